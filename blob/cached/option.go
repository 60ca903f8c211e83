package cached

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Default configuration values.
const (
	DefaultSizeThreshold = 8 * 1024
	DefaultTTL           = 7 * 24 * time.Hour
	DefaultReadTimeout   = 100 * time.Millisecond
	DefaultKeyPrefix     = "mailcore:blob:"
)

// options holds cached store configuration.
type options struct {
	sizeThreshold int
	ttl           time.Duration
	readTimeout   time.Duration
	keyPrefix     string
	logger        *slog.Logger
	meterProvider metric.MeterProvider
}

// Option configures the cached store.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		sizeThreshold: DefaultSizeThreshold,
		ttl:           DefaultTTL,
		readTimeout:   DefaultReadTimeout,
		keyPrefix:     DefaultKeyPrefix,
		logger:        slog.Default(),
		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithSizeThreshold sets the largest blob, in bytes, kept in the cache.
// Default is 8 KiB.
func WithSizeThreshold(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sizeThreshold = n
		}
	}
}

// WithTTL sets how long cached blobs live. Zero keeps them forever.
// Default is 7 days.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl >= 0 {
			o.ttl = ttl
		}
	}
}

// WithReadTimeout bounds a cache lookup. Slower lookups fall back to the
// backend. Default is 100ms.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.readTimeout = d
		}
	}
}

// WithKeyPrefix sets the redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMeterProvider sets the meter provider for hit and miss metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}
