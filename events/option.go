package events

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/mailcore/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// DefaultWorkers bounds concurrent asynchronous deliveries.
const DefaultWorkers = 16

// DefaultRetry is the retry policy of group deliveries.
func DefaultRetry() retry.Config {
	return retry.Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2,
		Jitter:         0.5,
	}
}

type options struct {
	logger        *slog.Logger
	retry         retry.Config
	deadLetters   DeadLetters
	workers       int
	meterProvider metric.MeterProvider
}

// Option configures a Bus.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		logger:        slog.Default(),
		retry:         DefaultRetry(),
		workers:       DefaultWorkers,
		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.deadLetters == nil {
		o.deadLetters = NewMemoryDeadLetters()
	}
	return o
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRetry sets the retry policy of group deliveries.
func WithRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.retry = cfg
	}
}

// WithDeadLetters sets where failed group deliveries are stored.
// Default is an in-memory store.
func WithDeadLetters(dl DeadLetters) Option {
	return func(o *options) {
		if dl != nil {
			o.deadLetters = dl
		}
	}
}

// WithWorkers bounds concurrent asynchronous deliveries.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithMeterProvider sets the meter provider for delivery metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}
