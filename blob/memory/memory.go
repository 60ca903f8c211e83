// Package memory provides an in-memory blob DAO for tests and single node
// setups. Data is not persisted.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/rbaliyan/mailcore/blob"
)

// DAO keeps blobs in maps guarded by a RWMutex.
// Returned slices are copies.
type DAO struct {
	mu      sync.RWMutex
	buckets map[blob.BucketName]map[blob.ID][]byte
}

// New creates an empty DAO.
func New() *DAO {
	return &DAO{buckets: make(map[blob.BucketName]map[blob.ID][]byte)}
}

var _ blob.DAO = (*DAO)(nil)

func (d *DAO) Read(ctx context.Context, bucket blob.BucketName, id blob.ID) (io.ReadCloser, error) {
	data, err := d.ReadBytes(ctx, bucket, id)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (d *DAO) ReadBytes(ctx context.Context, bucket blob.BucketName, id blob.ID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, ok := d.buckets[bucket][id]
	if !ok {
		return nil, blob.NotFound(bucket, id)
	}
	return bytes.Clone(data), nil
}

func (d *DAO) Save(ctx context.Context, bucket blob.BucketName, id blob.ID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := id.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buckets[bucket]
	if !ok {
		b = make(map[blob.ID][]byte)
		d.buckets[bucket] = b
	}
	// Keep nil and empty payloads distinguishable from missing blobs.
	b[id] = append([]byte{}, data...)
	return nil
}

func (d *DAO) SaveStream(ctx context.Context, bucket blob.BucketName, id blob.ID, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return &blob.ObjectStoreError{Op: "save", Bucket: bucket, ID: id, Err: err}
	}
	return d.Save(ctx, bucket, id, data)
}

func (d *DAO) Delete(ctx context.Context, bucket blob.BucketName, ids ...blob.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buckets[bucket]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(b, id)
	}
	if len(b) == 0 {
		delete(d.buckets, bucket)
	}
	return nil
}

func (d *DAO) DeleteBucket(ctx context.Context, bucket blob.BucketName) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.buckets, bucket)
	d.mu.Unlock()
	return nil
}

func (d *DAO) ListBuckets(ctx context.Context) ([]blob.BucketName, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]blob.BucketName, 0, len(d.buckets))
	for name := range d.buckets {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (d *DAO) ListBlobs(ctx context.Context, bucket blob.BucketName) ([]blob.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	b := d.buckets[bucket]
	out := make([]blob.ID, 0, len(b))
	for id := range b {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
