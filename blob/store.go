package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Deduplicating stores content under an ID derived from its hash.
// Identical content maps to the same delegate ID, so Delete is a no-op and
// unreferenced blobs are reclaimed by the garbage collector.
type Deduplicating struct {
	dao       DAO
	bucket    BucketName
	hasher    Hasher
	idFactory IDFactory
	logger    *slog.Logger
}

// NewDeduplicating creates a deduplicating store over dao.
func NewDeduplicating(dao DAO, opts ...Option) (*Deduplicating, error) {
	if dao == nil {
		return nil, ErrDAORequired
	}
	o := newOptions(opts...)
	return &Deduplicating{
		dao:       dao,
		bucket:    o.bucket,
		hasher:    o.hasher,
		idFactory: o.idFactory,
		logger:    o.logger,
	}, nil
}

// Compile-time check.
var _ Store = (*Deduplicating)(nil)

func (s *Deduplicating) DefaultBucket() BucketName { return s.bucket }

func (s *Deduplicating) Save(ctx context.Context, bucket BucketName, data []byte, _ StoragePolicy) (ID, error) {
	if err := bucket.Validate(); err != nil {
		return "", err
	}
	id := s.idFactory.Of(s.hasher.Sum(data))
	if err := s.dao.Save(ctx, bucket, id, data); err != nil {
		return "", err
	}
	return id, nil
}

// SaveStream buffers r to compute its hash before writing it.
func (s *Deduplicating) SaveStream(ctx context.Context, bucket BucketName, r io.Reader, policy StoragePolicy) (ID, error) {
	if err := bucket.Validate(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	w, sum := s.hasher.Writer()
	if _, err := io.Copy(io.MultiWriter(&buf, w), r); err != nil {
		return "", fmt.Errorf("read blob content: %w", err)
	}
	id := s.idFactory.Of(sum())
	if err := s.dao.SaveStream(ctx, bucket, id, &buf); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Deduplicating) Read(ctx context.Context, bucket BucketName, id ID, _ StoragePolicy) (io.ReadCloser, error) {
	return s.dao.Read(ctx, bucket, id)
}

func (s *Deduplicating) ReadBytes(ctx context.Context, bucket BucketName, id ID, _ StoragePolicy) ([]byte, error) {
	return s.dao.ReadBytes(ctx, bucket, id)
}

// Delete does nothing. Other messages may share the blob.
func (s *Deduplicating) Delete(context.Context, BucketName, ID) error {
	return nil
}

func (s *Deduplicating) DeleteBucket(ctx context.Context, bucket BucketName) error {
	return s.dao.DeleteBucket(ctx, bucket)
}

// PassThrough stores every payload under a fresh random ID and deletes
// eagerly.
type PassThrough struct {
	dao       DAO
	bucket    BucketName
	idFactory IDFactory
	logger    *slog.Logger
}

// NewPassThrough creates a pass-through store over dao.
func NewPassThrough(dao DAO, opts ...Option) (*PassThrough, error) {
	if dao == nil {
		return nil, ErrDAORequired
	}
	o := newOptions(opts...)
	return &PassThrough{
		dao:       dao,
		bucket:    o.bucket,
		idFactory: o.idFactory,
		logger:    o.logger,
	}, nil
}

// Compile-time check.
var _ Store = (*PassThrough)(nil)

func (s *PassThrough) DefaultBucket() BucketName { return s.bucket }

func (s *PassThrough) Save(ctx context.Context, bucket BucketName, data []byte, _ StoragePolicy) (ID, error) {
	if err := bucket.Validate(); err != nil {
		return "", err
	}
	id := s.idFactory.Random()
	if err := s.dao.Save(ctx, bucket, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *PassThrough) SaveStream(ctx context.Context, bucket BucketName, r io.Reader, _ StoragePolicy) (ID, error) {
	if err := bucket.Validate(); err != nil {
		return "", err
	}
	id := s.idFactory.Random()
	if err := s.dao.SaveStream(ctx, bucket, id, r); err != nil {
		return "", err
	}
	return id, nil
}

func (s *PassThrough) Read(ctx context.Context, bucket BucketName, id ID, _ StoragePolicy) (io.ReadCloser, error) {
	return s.dao.Read(ctx, bucket, id)
}

func (s *PassThrough) ReadBytes(ctx context.Context, bucket BucketName, id ID, _ StoragePolicy) ([]byte, error) {
	return s.dao.ReadBytes(ctx, bucket, id)
}

func (s *PassThrough) Delete(ctx context.Context, bucket BucketName, id ID) error {
	if err := s.dao.Delete(ctx, bucket, id); err != nil {
		s.logger.Warn("failed to delete blob", "bucket", bucket, "id", id, "error", err)
		return err
	}
	return nil
}

func (s *PassThrough) DeleteBucket(ctx context.Context, bucket BucketName) error {
	return s.dao.DeleteBucket(ctx, bucket)
}
