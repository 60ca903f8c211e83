// Package blob defines content storage for message bodies and other binary
// payloads: bucket and blob identifiers, the low level DAO implemented by each
// backend, and the BlobStore layered on top of it.
//
// Two BlobStore flavours exist. The deduplicating store derives the blob ID
// from a hash of the content, so identical payloads share storage and deletes
// are left to the garbage collector (see package blob/gc). The pass-through
// store assigns random IDs and deletes eagerly.
package blob

import (
	"context"
	"io"
	"strings"
)

// DefaultBucket is the bucket used when callers do not pick one.
const DefaultBucket BucketName = "default"

const maxBucketNameLength = 63

// BucketName groups blobs. Backends map it onto a native container
// (an S3 bucket, a key prefix, a table partition).
type BucketName string

// String returns the bucket name.
func (b BucketName) String() string { return string(b) }

// IsDefault reports whether b is DefaultBucket.
func (b BucketName) IsDefault() bool { return b == DefaultBucket }

// Validate checks that the bucket name is usable by every backend.
func (b BucketName) Validate() error {
	if b == "" || len(b) > maxBucketNameLength {
		return ErrInvalidBucket
	}
	for _, c := range string(b) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
		default:
			return ErrInvalidBucket
		}
	}
	return nil
}

// ID identifies a blob within a bucket.
type ID string

// String returns the ID.
func (id ID) String() string { return string(id) }

// Validate rejects empty IDs and IDs that would escape a key prefix.
func (id ID) Validate() error {
	if id == "" || strings.Contains(string(id), "/") {
		return ErrInvalidID
	}
	return nil
}

// StoragePolicy hints at the kind of storage a blob should land on.
type StoragePolicy int

const (
	// SizeBased lets the store decide from the payload size.
	SizeBased StoragePolicy = iota
	// LowCost favours cheap storage. Such blobs are never cached.
	LowCost
	// HighPerformance favours fast storage and caching.
	HighPerformance
)

func (p StoragePolicy) String() string {
	switch p {
	case LowCost:
		return "low_cost"
	case HighPerformance:
		return "high_performance"
	default:
		return "size_based"
	}
}

// DAO is the raw storage contract implemented by each backend.
// Implementations must be safe for concurrent use.
type DAO interface {
	// Read returns a reader for the blob. Caller closes it.
	// Missing blobs yield an error matching ErrNotFound.
	Read(ctx context.Context, bucket BucketName, id ID) (io.ReadCloser, error)

	// ReadBytes returns the full blob content.
	ReadBytes(ctx context.Context, bucket BucketName, id ID) ([]byte, error)

	// Save stores data under id, replacing any previous content.
	Save(ctx context.Context, bucket BucketName, id ID, data []byte) error

	// SaveStream stores the content of r under id.
	SaveStream(ctx context.Context, bucket BucketName, id ID, r io.Reader) error

	// Delete removes the given blobs. Unknown IDs are ignored.
	Delete(ctx context.Context, bucket BucketName, ids ...ID) error

	// DeleteBucket removes a bucket and everything in it.
	// Deleting a missing bucket is not an error.
	DeleteBucket(ctx context.Context, bucket BucketName) error

	// ListBuckets returns the buckets holding at least one blob.
	ListBuckets(ctx context.Context) ([]BucketName, error)

	// ListBlobs returns every blob ID stored in the bucket.
	ListBlobs(ctx context.Context, bucket BucketName) ([]ID, error)
}

// Store is the BlobStore used by the rest of the system.
type Store interface {
	// Save stores data and returns its ID.
	Save(ctx context.Context, bucket BucketName, data []byte, policy StoragePolicy) (ID, error)

	// SaveStream stores the content of r and returns its ID.
	SaveStream(ctx context.Context, bucket BucketName, r io.Reader, policy StoragePolicy) (ID, error)

	// Read returns a reader for the blob. Caller closes it.
	Read(ctx context.Context, bucket BucketName, id ID, policy StoragePolicy) (io.ReadCloser, error)

	// ReadBytes returns the full blob content.
	ReadBytes(ctx context.Context, bucket BucketName, id ID, policy StoragePolicy) ([]byte, error)

	// Delete removes the blob when the store owns its lifecycle.
	Delete(ctx context.Context, bucket BucketName, id ID) error

	// DeleteBucket removes a whole bucket.
	DeleteBucket(ctx context.Context, bucket BucketName) error

	// DefaultBucket returns the bucket used for message content.
	DefaultBucket() BucketName
}
