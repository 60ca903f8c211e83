package mailcore

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/mailcore/blob"
	"github.com/rbaliyan/mailcore/events"
	"github.com/rbaliyan/mailcore/quota"
	"github.com/rbaliyan/mailcore/store"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout

	// DefaultMaxMessageSize bounds appended content.
	DefaultMaxMessageSize = 50 * 1024 * 1024

	// DefaultMaxConcurrentAppends bounds appends in flight per service.
	DefaultMaxConcurrentAppends = 10

	// DefaultListLimit caps List when no limit is given.
	DefaultListLimit = 1000
)

// options holds service configuration.
type options struct {
	store  store.Store
	blobs  blob.Store
	bus    events.EventBus
	quota  *quota.Manager
	logger *slog.Logger

	plugins []Plugin

	// Quota thresholds tracked by the quota updater. Nil disables tracking.
	thresholds quota.Thresholds

	// Limits
	maxMessageSize       int64
	maxConcurrentAppends int
	listLimit            int

	// Shutdown
	shutdownTimeout time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal bool
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:               slog.Default(),
		maxMessageSize:       DefaultMaxMessageSize,
		maxConcurrentAppends: DefaultMaxConcurrentAppends,
		listLimit:            DefaultListLimit,
		shutdownTimeout:      DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a Service.
type Option func(*options)

// --- Core Options ---

// WithStore sets the mailbox store (required).
func WithStore(s store.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithBlobStore sets the store holding message content (required).
func WithBlobStore(b blob.Store) Option {
	return func(o *options) {
		if b != nil {
			o.blobs = b
		}
	}
}

// WithEventBus sets the bus mailbox events are dispatched on (required).
func WithEventBus(bus events.EventBus) Option {
	return func(o *options) {
		if bus != nil {
			o.bus = bus
		}
	}
}

// WithQuota sets the quota manager. By default usage is tracked in memory
// and no limit applies.
func WithQuota(m *quota.Manager) Option {
	return func(o *options) {
		if m != nil {
			o.quota = m
		}
	}
}

// WithQuotaThresholds makes the quota updater dispatch
// QuotaThresholdChanged when a user crosses one of ts.
func WithQuotaThresholds(ts quota.Thresholds) Option {
	return func(o *options) {
		if len(ts) > 0 {
			o.thresholds = ts
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// --- Plugin Options ---

// WithPlugin registers a plugin with the service.
// Multiple plugins can be registered by calling this option multiple times.
func WithPlugin(p Plugin) Option {
	return func(o *options) {
		if p != nil {
			o.plugins = append(o.plugins, p)
		}
	}
}

// WithPlugins registers multiple plugins at once.
func WithPlugins(plugins ...Plugin) Option {
	return func(o *options) {
		for _, p := range plugins {
			if p != nil {
				o.plugins = append(o.plugins, p)
			}
		}
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name reported in spans.
// Default is "mailcore".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Limit Options ---

// WithMaxMessageSize sets the largest content Append accepts, in bytes.
// Default is 50 MB.
func WithMaxMessageSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxMessageSize = n
		}
	}
}

// WithMaxConcurrentAppends sets the maximum number of appends in flight.
// Default is 10.
func WithMaxConcurrentAppends(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentAppends = n
		}
	}
}

// WithListLimit caps the number of messages List returns.
// Default is 1000.
func WithListLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.listLimit = n
		}
	}
}

// WithShutdownTimeout sets the maximum time Close waits for in-flight
// appends. Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- Event Options ---

// WithEventErrorsFatal configures whether dispatch failures fail the
// operation. By default they are logged and the operation succeeds, the
// change being already stored.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}
