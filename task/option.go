package task

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Listener observes task lifecycle transitions. It is called synchronously
// from the manager and must not block.
type Listener func(ctx context.Context, details ExecutionDetails)

type options struct {
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	listeners     []Listener
}

// Option configures a Manager.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		logger:        slog.Default(),
		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
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

// WithMeterProvider sets the meter provider for task metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// WithListener registers a lifecycle listener.
func WithListener(l Listener) Option {
	return func(o *options) {
		if l != nil {
			o.listeners = append(o.listeners, l)
		}
	}
}
