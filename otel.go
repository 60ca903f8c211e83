package mailcore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/mailcore"
)

// Operation names used in spans and the "operation" metric attribute.
const (
	opCreateMailbox = "create_mailbox"
	opDeleteMailbox = "delete_mailbox"
	opRenameMailbox = "rename_mailbox"
	opListMailboxes = "list_mailboxes"
	opAppend        = "append"
	opGet           = "get"
	opList          = "list"
	opSetFlags      = "set_flags"
	opExpunge       = "expunge"
	opCopy          = "copy"
	opMove          = "move"
	opStatus        = "status"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the service.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer
	serviceName    string

	// Metrics
	metricsEnabled bool

	opLatency     metric.Float64Histogram
	opCount       metric.Int64Counter
	opErrors      metric.Int64Counter
	appendedBytes metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
		serviceName:    opts.serviceName,
	}

	if !o.enabled {
		return o, nil
	}

	if o.serviceName == "" {
		o.serviceName = "mailcore"
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error
	o.opLatency, err = meter.Float64Histogram(
		"mailcore.operation.duration",
		metric.WithDescription("Duration of mailbox operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.opCount, err = meter.Int64Counter(
		"mailcore.operation.count",
		metric.WithDescription("Number of mailbox operations"),
	)
	if err != nil {
		return err
	}

	o.opErrors, err = meter.Int64Counter(
		"mailcore.operation.errors",
		metric.WithDescription("Number of failed mailbox operations"),
	)
	if err != nil {
		return err
	}

	o.appendedBytes, err = meter.Int64Counter(
		"mailcore.append.bytes",
		metric.WithDescription("Size of appended messages"),
		metric.WithUnit("By"),
	)
	return err
}

// startSpan starts a span for op. The returned function ends it and
// records the outcome.
func (o *otelInstrumentation) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	attrs = append(attrs, attribute.String("service.name", o.serviceName))
	ctx, span := o.tracer.Start(ctx, "mailcore."+op,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// record records the latency and outcome of op.
func (o *otelInstrumentation) record(ctx context.Context, op string, start time.Time, err error) {
	if !o.metricsEnabled {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", op))
	o.opLatency.Record(ctx, time.Since(start).Seconds(), attrs)
	o.opCount.Add(ctx, 1, attrs)
	if err != nil {
		o.opErrors.Add(ctx, 1, attrs)
	}
}

func (o *otelInstrumentation) recordAppended(ctx context.Context, size int64) {
	if !o.metricsEnabled {
		return
	}
	o.appendedBytes.Add(ctx, size)
}

// instrument combines startSpan and record. Use as
//
//	ctx, done := s.otel.instrument(ctx, opGet)
//	defer func() { done(err) }()
func (o *otelInstrumentation) instrument(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.enabled {
		return ctx, func(error) {}
	}
	start := time.Now()
	ctx, end := o.startSpan(ctx, op, attrs...)
	return ctx, func(err error) {
		end(err)
		o.record(ctx, op, start, err)
	}
}
