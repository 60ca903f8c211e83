// Package gc reclaims deduplicated blobs that no message references any
// more.
//
// References are streamed into a salted bloom filter, then every blob of the
// bucket old enough to be safe is tested against it. Blobs the filter has
// never seen are deleted. False positives only delay collection, and since
// each run draws a new salt, a blob kept by one run is collected by a later
// one.
package gc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/rbaliyan/mailcore/blob"
	"github.com/rbaliyan/mailcore/task"
	"golang.org/x/sync/errgroup"
)

// TaskType identifies GC runs in the task manager.
const TaskType = "blob-gc"

// Default parameters.
const (
	DefaultExpectedBlobCount     = 1_000_000
	DefaultDeletionWindowSize    = 1000
	DefaultAssociatedProbability = 0.01
	DefaultDeleteConcurrency     = 4
)

// ErrInvalidParameters is returned for out of range GC parameters.
var ErrInvalidParameters = errors.New("gc: invalid parameters")

// ReferenceSource lists blob IDs still in use.
type ReferenceSource interface {
	// ForEachReference calls fn for every referenced blob. Returning an
	// error from fn stops the iteration.
	ForEachReference(ctx context.Context, fn func(blob.ID) error) error

	// Name identifies the source in logs.
	Name() string
}

// Parameters tune a single run.
type Parameters struct {
	// ExpectedBlobCount sizes the bloom filter.
	ExpectedBlobCount int
	// DeletionWindowSize is the number of IDs per delete call.
	DeletionWindowSize int
	// AssociatedProbability is the target false positive rate, in (0, 1).
	AssociatedProbability float64
}

// DefaultParameters returns the recommended parameters.
func DefaultParameters() Parameters {
	return Parameters{
		ExpectedBlobCount:     DefaultExpectedBlobCount,
		DeletionWindowSize:    DefaultDeletionWindowSize,
		AssociatedProbability: DefaultAssociatedProbability,
	}
}

// Validate checks the parameter ranges.
func (p Parameters) Validate() error {
	switch {
	case p.ExpectedBlobCount <= 0:
		return fmt.Errorf("%w: expected blob count must be positive, got %d", ErrInvalidParameters, p.ExpectedBlobCount)
	case p.DeletionWindowSize <= 0:
		return fmt.Errorf("%w: deletion window size must be positive, got %d", ErrInvalidParameters, p.DeletionWindowSize)
	case p.AssociatedProbability <= 0 || p.AssociatedProbability >= 1:
		return fmt.Errorf("%w: associated probability must be in (0, 1), got %v", ErrInvalidParameters, p.AssociatedProbability)
	}
	return nil
}

// Context reports the progress of a run.
type Context struct {
	Type                             string
	At                               time.Time
	ReferenceSourceCount             int64
	BlobCount                        int64
	GCedBlobCount                    int64
	ErrorCount                       int64
	BloomFilterExpectedBlobCount     int
	BloomFilterAssociatedProbability float64
	DeletionWindowSize               int
}

// Timestamp implements task.AdditionalInformation.
func (c Context) Timestamp() time.Time { return c.At }

// Collector runs the bloom filter GC over one bucket.
type Collector struct {
	dao         blob.DAO
	bucket      blob.BucketName
	factory     *blob.GenerationAwareIDFactory
	sources     []ReferenceSource
	concurrency int
	logger      *slog.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithBucket sets the bucket to collect. Default is blob.DefaultBucket.
func WithBucket(bucket blob.BucketName) Option {
	return func(c *Collector) {
		if bucket != "" {
			c.bucket = bucket
		}
	}
}

// WithDeleteConcurrency bounds the number of windows deleted in parallel.
func WithDeleteConcurrency(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCollector creates a collector. factory must be the one the blob store
// issues IDs with; its clock decides which blobs are expired.
func NewCollector(dao blob.DAO, factory *blob.GenerationAwareIDFactory, sources []ReferenceSource, opts ...Option) (*Collector, error) {
	if dao == nil {
		return nil, blob.ErrDAORequired
	}
	if factory == nil {
		return nil, fmt.Errorf("gc: id factory is required")
	}
	c := &Collector{
		dao:         dao,
		bucket:      blob.DefaultBucket,
		factory:     factory,
		sources:     sources,
		concurrency: DefaultDeleteConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// progress is the live, lockable form of Context.
type progress struct {
	mu  sync.Mutex
	ctx Context
}

func (p *progress) update(fn func(c *Context)) {
	p.mu.Lock()
	fn(&p.ctx)
	p.mu.Unlock()
}

func (p *progress) snapshot() Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.ctx
	c.At = time.Now().UTC()
	return c
}

// Run performs one collection. The returned Context holds the final counts.
func (c *Collector) Run(ctx context.Context, params Parameters) (task.Result, Context, error) {
	p := newProgress(params)
	result, err := c.run(ctx, params, p)
	return result, p.snapshot(), err
}

func newProgress(params Parameters) *progress {
	return &progress{ctx: Context{
		Type:                             TaskType,
		BloomFilterExpectedBlobCount:     params.ExpectedBlobCount,
		BloomFilterAssociatedProbability: params.AssociatedProbability,
		DeletionWindowSize:               params.DeletionWindowSize,
	}}
}

func (c *Collector) run(ctx context.Context, params Parameters, p *progress) (task.Result, error) {
	if err := params.Validate(); err != nil {
		return task.Partial, err
	}

	salt, err := newSalt()
	if err != nil {
		return task.Partial, err
	}

	filter := bloom.NewWithEstimates(uint(params.ExpectedBlobCount), params.AssociatedProbability)
	for _, src := range c.sources {
		err := src.ForEachReference(ctx, func(id blob.ID) error {
			filter.AddString(salt + string(id))
			p.update(func(c *Context) { c.ReferenceSourceCount++ })
			return nil
		})
		if err != nil {
			// Without every reference, deleting anything is unsafe.
			return task.Partial, fmt.Errorf("gc: reference source %s: %w", src.Name(), err)
		}
	}

	ids, err := c.dao.ListBlobs(ctx, c.bucket)
	if err != nil {
		return task.Partial, fmt.Errorf("gc: list blobs: %w", err)
	}
	p.update(func(c *Context) { c.BlobCount = int64(len(ids)) })

	now := c.factory.Clock
	at := time.Now()
	if now != nil {
		at = now()
	}

	var candidates []blob.ID
	for _, id := range ids {
		gid, err := c.factory.ParseGenerationAware(string(id))
		if err != nil || !c.factory.IsExpired(gid, at) {
			continue
		}
		if filter.TestString(salt + string(id)) {
			continue
		}
		candidates = append(candidates, id)
	}

	c.delete(ctx, candidates, params.DeletionWindowSize, p)

	final := p.snapshot()
	c.logger.Info("blob gc finished",
		"bucket", c.bucket,
		"references", final.ReferenceSourceCount,
		"blobs", final.BlobCount,
		"deleted", final.GCedBlobCount,
		"errors", final.ErrorCount,
	)
	if final.ErrorCount > 0 {
		return task.Partial, nil
	}
	return task.Completed, nil
}

func (c *Collector) delete(ctx context.Context, ids []blob.ID, window int, p *progress) {
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for start := 0; start < len(ids); start += window {
		batch := ids[start:min(start+window, len(ids))]
		g.Go(func() error {
			if err := c.dao.Delete(ctx, c.bucket, batch...); err != nil {
				c.logger.Warn("blob gc failed to delete window", "bucket", c.bucket, "size", len(batch), "error", err)
				p.update(func(c *Context) { c.ErrorCount++ })
				return nil
			}
			p.update(func(c *Context) { c.GCedBlobCount += int64(len(batch)) })
			return nil
		})
	}
	_ = g.Wait()
}

func newSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("gc: generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}
