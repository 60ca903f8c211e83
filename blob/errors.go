package blob

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a blob or bucket does not exist.
	ErrNotFound = errors.New("blob: not found")

	// ErrInvalidBucket is returned for bucket names backends cannot store.
	ErrInvalidBucket = errors.New("blob: invalid bucket name")

	// ErrInvalidID is returned for malformed blob IDs.
	ErrInvalidID = errors.New("blob: invalid id")

	// ErrDAORequired is returned when a store is built without a DAO.
	ErrDAORequired = errors.New("blob: dao is required")
)

// ObjectStoreError wraps a backend failure with the operation and location
// it happened at.
type ObjectStoreError struct {
	Op     string
	Bucket BucketName
	ID     ID
	Err    error
}

func (e *ObjectStoreError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("blob: %s %s: %v", e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("blob: %s %s/%s: %v", e.Op, e.Bucket, e.ID, e.Err)
}

func (e *ObjectStoreError) Unwrap() error {
	return e.Err
}

// NotFound builds the error backends return for a missing blob.
func NotFound(bucket BucketName, id ID) error {
	return &ObjectStoreError{Op: "read", Bucket: bucket, ID: id, Err: ErrNotFound}
}

// IsNotFound reports whether err means the blob is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
