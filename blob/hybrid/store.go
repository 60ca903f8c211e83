// Package hybrid routes blobs between a fast store and a cheap one based on
// the storage policy and payload size.
package hybrid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rbaliyan/mailcore/blob"
	"golang.org/x/sync/errgroup"
)

// DefaultSizeThreshold separates small blobs from large ones for SizeBased
// writes.
const DefaultSizeThreshold = 32 * 1024

// Option configures the hybrid store.
type Option func(*Store)

// WithSizeThreshold sets the SizeBased cut-off in bytes.
func WithSizeThreshold(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// Store writes HighPerformance and small SizeBased blobs to performing,
// everything else to lowCost. Reads try performing first.
type Store struct {
	performing blob.Store
	lowCost    blob.Store
	threshold  int
}

var _ blob.Store = (*Store)(nil)

// New creates a hybrid store.
func New(performing, lowCost blob.Store, opts ...Option) (*Store, error) {
	if performing == nil || lowCost == nil {
		return nil, fmt.Errorf("hybrid: both stores are required")
	}
	s := &Store{performing: performing, lowCost: lowCost, threshold: DefaultSizeThreshold}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) DefaultBucket() blob.BucketName { return s.performing.DefaultBucket() }

func (s *Store) target(policy blob.StoragePolicy, size int) blob.Store {
	switch policy {
	case blob.LowCost:
		return s.lowCost
	case blob.HighPerformance:
		return s.performing
	}
	if size < s.threshold {
		return s.performing
	}
	return s.lowCost
}

func (s *Store) Save(ctx context.Context, bucket blob.BucketName, data []byte, policy blob.StoragePolicy) (blob.ID, error) {
	return s.target(policy, len(data)).Save(ctx, bucket, data, policy)
}

func (s *Store) SaveStream(ctx context.Context, bucket blob.BucketName, r io.Reader, policy blob.StoragePolicy) (blob.ID, error) {
	switch policy {
	case blob.LowCost, blob.HighPerformance:
		return s.target(policy, 0).SaveStream(ctx, bucket, r, policy)
	}
	head, err := io.ReadAll(io.LimitReader(r, int64(s.threshold)+1))
	if err != nil {
		return "", fmt.Errorf("read blob content: %w", err)
	}
	if len(head) < s.threshold {
		return s.performing.Save(ctx, bucket, head, policy)
	}
	return s.lowCost.SaveStream(ctx, bucket, io.MultiReader(bytes.NewReader(head), r), policy)
}

func (s *Store) Read(ctx context.Context, bucket blob.BucketName, id blob.ID, policy blob.StoragePolicy) (io.ReadCloser, error) {
	rc, err := s.performing.Read(ctx, bucket, id, policy)
	if errors.Is(err, blob.ErrNotFound) {
		return s.lowCost.Read(ctx, bucket, id, policy)
	}
	return rc, err
}

func (s *Store) ReadBytes(ctx context.Context, bucket blob.BucketName, id blob.ID, policy blob.StoragePolicy) ([]byte, error) {
	data, err := s.performing.ReadBytes(ctx, bucket, id, policy)
	if errors.Is(err, blob.ErrNotFound) {
		return s.lowCost.ReadBytes(ctx, bucket, id, policy)
	}
	return data, err
}

func (s *Store) Delete(ctx context.Context, bucket blob.BucketName, id blob.ID) error {
	return s.both(func(st blob.Store) error { return st.Delete(ctx, bucket, id) })
}

func (s *Store) DeleteBucket(ctx context.Context, bucket blob.BucketName) error {
	return s.both(func(st blob.Store) error { return st.DeleteBucket(ctx, bucket) })
}

// both runs fn against both stores concurrently and joins their errors.
func (s *Store) both(fn func(blob.Store) error) error {
	stores := []blob.Store{s.performing, s.lowCost}
	errs := make([]error, len(stores))
	var g errgroup.Group
	for i, st := range stores {
		g.Go(func() error {
			errs[i] = fn(st)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
