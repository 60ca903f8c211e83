// Package cached keeps small blobs of the default bucket in redis in front
// of a slower blob.Store.
//
// The cache is best effort: redis failures and slow lookups are logged and
// the backend is used instead.
package cached

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rbaliyan/mailcore/blob"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/rbaliyan/mailcore/blob/cached"

// Store wraps a blob.Store with a redis cache.
type Store struct {
	backend blob.Store
	client  redis.UniversalClient
	opts    *options
	logger  *slog.Logger

	hits        metric.Int64Counter
	misses      metric.Int64Counter
	readLatency metric.Float64Histogram
}

var _ blob.Store = (*Store)(nil)

// New wraps backend with a cache stored in client.
func New(backend blob.Store, client redis.UniversalClient, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("cached: backend is required")
	}
	if client == nil {
		return nil, fmt.Errorf("cached: redis client is required")
	}
	o := newOptions(opts...)
	s := &Store{backend: backend, client: client, opts: o, logger: o.logger}
	if err := s.initMetrics(o.meterProvider); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return s, nil
}

func (s *Store) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error
	s.hits, err = meter.Int64Counter(
		"blob.cache.hits",
		metric.WithDescription("Blob reads served from the cache"),
	)
	if err != nil {
		return err
	}
	s.misses, err = meter.Int64Counter(
		"blob.cache.misses",
		metric.WithDescription("Blob reads that fell through to the backend"),
	)
	if err != nil {
		return err
	}
	s.readLatency, err = meter.Float64Histogram(
		"blob.cache.read.duration",
		metric.WithDescription("Duration of cache lookups"),
		metric.WithUnit("s"),
	)
	return err
}

func (s *Store) key(id blob.ID) string {
	return s.opts.keyPrefix + string(id)
}

func (s *Store) cacheable(bucket blob.BucketName, policy blob.StoragePolicy) bool {
	return bucket == s.backend.DefaultBucket() && policy != blob.LowCost
}

func (s *Store) fits(size int) bool {
	return size <= s.opts.sizeThreshold
}

// lookup reports a miss on cache failure.
func (s *Store) lookup(ctx context.Context, id blob.ID) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.readTimeout)
	defer cancel()

	start := time.Now()
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	s.readLatency.Record(ctx, time.Since(start).Seconds())

	switch {
	case err == nil:
		s.hits.Add(ctx, 1)
		return data, true
	case errors.Is(err, redis.Nil):
	default:
		s.logger.Warn("blob cache lookup failed, using backend", "id", id, "error", err)
	}
	s.misses.Add(ctx, 1, metric.WithAttributes(attribute.Bool("error", !errors.Is(err, redis.Nil))))
	return nil, false
}

func (s *Store) populate(ctx context.Context, id blob.ID, data []byte) {
	if err := s.client.Set(ctx, s.key(id), data, s.opts.ttl).Err(); err != nil {
		s.logger.Warn("failed to populate blob cache", "id", id, "error", err)
	}
}

func (s *Store) DefaultBucket() blob.BucketName { return s.backend.DefaultBucket() }

func (s *Store) Save(ctx context.Context, bucket blob.BucketName, data []byte, policy blob.StoragePolicy) (blob.ID, error) {
	id, err := s.backend.Save(ctx, bucket, data, policy)
	if err != nil {
		return "", err
	}
	if s.cacheable(bucket, policy) && s.fits(len(data)) {
		s.populate(ctx, id, data)
	}
	return id, nil
}

// SaveStream reads at most threshold+1 bytes ahead to decide whether the
// blob is small enough to cache.
func (s *Store) SaveStream(ctx context.Context, bucket blob.BucketName, r io.Reader, policy blob.StoragePolicy) (blob.ID, error) {
	if !s.cacheable(bucket, policy) {
		return s.backend.SaveStream(ctx, bucket, r, policy)
	}
	head, err := io.ReadAll(io.LimitReader(r, int64(s.opts.sizeThreshold)+1))
	if err != nil {
		return "", fmt.Errorf("read blob content: %w", err)
	}
	if s.fits(len(head)) {
		return s.Save(ctx, bucket, head, policy)
	}
	return s.backend.SaveStream(ctx, bucket, io.MultiReader(bytes.NewReader(head), r), policy)
}

func (s *Store) ReadBytes(ctx context.Context, bucket blob.BucketName, id blob.ID, policy blob.StoragePolicy) ([]byte, error) {
	if !s.cacheable(bucket, policy) {
		return s.backend.ReadBytes(ctx, bucket, id, policy)
	}
	if data, ok := s.lookup(ctx, id); ok {
		return data, nil
	}
	data, err := s.backend.ReadBytes(ctx, bucket, id, policy)
	if err != nil {
		return nil, err
	}
	if s.fits(len(data)) {
		s.populate(ctx, id, data)
	}
	return data, nil
}

func (s *Store) Read(ctx context.Context, bucket blob.BucketName, id blob.ID, policy blob.StoragePolicy) (io.ReadCloser, error) {
	if !s.cacheable(bucket, policy) {
		return s.backend.Read(ctx, bucket, id, policy)
	}
	if data, ok := s.lookup(ctx, id); ok {
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	rc, err := s.backend.Read(ctx, bucket, id, policy)
	if err != nil {
		return nil, err
	}
	head, err := io.ReadAll(io.LimitReader(rc, int64(s.opts.sizeThreshold)+1))
	if err != nil {
		rc.Close()
		return nil, err
	}
	if s.fits(len(head)) {
		s.populate(ctx, id, head)
	}
	return &prefixedReader{Reader: io.MultiReader(bytes.NewReader(head), rc), closer: rc}, nil
}

// Delete removes the blob from the cache and the backend. A deduplicating
// backend keeps the content, but the cache entry goes regardless.
func (s *Store) Delete(ctx context.Context, bucket blob.BucketName, id blob.ID) error {
	if bucket == s.backend.DefaultBucket() {
		if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
			s.logger.Warn("failed to evict blob from cache", "id", id, "error", err)
		}
	}
	return s.backend.Delete(ctx, bucket, id)
}

// DeleteBucket flushes the cache when the default bucket goes away.
func (s *Store) DeleteBucket(ctx context.Context, bucket blob.BucketName) error {
	if err := s.backend.DeleteBucket(ctx, bucket); err != nil {
		return err
	}
	if bucket == s.backend.DefaultBucket() {
		s.flush(ctx)
	}
	return nil
}

func (s *Store) flush(ctx context.Context) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.opts.keyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn("failed to scan blob cache", "error", err)
		return
	}
	for len(keys) > 0 {
		n := min(len(keys), 500)
		if err := s.client.Del(ctx, keys[:n]...).Err(); err != nil {
			s.logger.Warn("failed to flush blob cache", "error", err)
			return
		}
		keys = keys[n:]
	}
}

type prefixedReader struct {
	io.Reader
	closer io.Closer
}

func (r *prefixedReader) Close() error { return r.closer.Close() }
