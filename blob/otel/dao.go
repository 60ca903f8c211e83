// Package otel wraps a blob.DAO with OpenTelemetry spans and metrics.
package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rbaliyan/mailcore/blob"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/mailcore/blob/otel"

// DAO wraps a blob.DAO with tracing and metrics.
type DAO struct {
	backend blob.DAO
	opts    *options

	tracer trace.Tracer

	latency  metric.Float64Histogram
	count    metric.Int64Counter
	errors   metric.Int64Counter
	inBytes  metric.Int64Counter
	outBytes metric.Int64Counter
}

var _ blob.DAO = (*DAO)(nil)

// New wraps backend.
func New(backend blob.DAO, opts ...Option) (*DAO, error) {
	o := newOptions(opts...)
	d := &DAO{backend: backend, opts: o}

	if o.tracingEnabled {
		d.tracer = o.tracerProvider.Tracer(instrumentationName)
	}
	if o.metricsEnabled {
		if err := d.initMetrics(o.meterProvider); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}
	return d, nil
}

func (d *DAO) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error
	d.latency, err = meter.Float64Histogram(
		"blob.operation.duration",
		metric.WithDescription("Duration of blob store operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	d.count, err = meter.Int64Counter(
		"blob.operation.count",
		metric.WithDescription("Number of blob store operations"),
	)
	if err != nil {
		return err
	}

	d.errors, err = meter.Int64Counter(
		"blob.operation.errors",
		metric.WithDescription("Number of failed blob store operations"),
	)
	if err != nil {
		return err
	}

	d.inBytes, err = meter.Int64Counter(
		"blob.save.bytes",
		metric.WithDescription("Total bytes written"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	d.outBytes, err = meter.Int64Counter(
		"blob.read.bytes",
		metric.WithDescription("Total bytes read"),
		metric.WithUnit("By"),
	)
	return err
}

func (d *DAO) attrs(op string, bucket blob.BucketName) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("blob.operation", op),
		attribute.String("blob.bucket", string(bucket)),
		attribute.String("service.name", d.opts.serviceName),
	}
}

// start opens a span when tracing is on. The returned span may be nil.
func (d *DAO) start(ctx context.Context, op string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	if !d.opts.tracingEnabled || d.tracer == nil {
		return ctx, nil
	}
	return d.tracer.Start(ctx, "blob."+op,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// finish records metrics and closes the span. Missing blobs are not
// counted as errors.
func (d *DAO) finish(ctx context.Context, span trace.Span, attrs []attribute.KeyValue, start time.Time, err error) {
	if d.opts.metricsEnabled {
		metricAttrs := metric.WithAttributes(attrs...)
		d.latency.Record(ctx, time.Since(start).Seconds(), metricAttrs)
		d.count.Add(ctx, 1, metricAttrs)
		if err != nil && !blob.IsNotFound(err) {
			d.errors.Add(ctx, 1, metricAttrs)
		}
	}
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (d *DAO) observe(ctx context.Context, op string, bucket blob.BucketName, fn func(context.Context) error) error {
	attrs := d.attrs(op, bucket)
	ctx, span := d.start(ctx, op, attrs)
	start := time.Now()
	err := fn(ctx)
	d.finish(ctx, span, attrs, start, err)
	return err
}

// Read ends its span when the returned reader is closed.
func (d *DAO) Read(ctx context.Context, bucket blob.BucketName, id blob.ID) (io.ReadCloser, error) {
	attrs := append(d.attrs("read", bucket), attribute.String("blob.id", string(id)))
	ctx, span := d.start(ctx, "read", attrs)
	start := time.Now()

	rc, err := d.backend.Read(ctx, bucket, id)
	if err != nil {
		d.finish(ctx, span, attrs, start, err)
		return nil, err
	}
	return &instrumentedReader{reader: rc, dao: d, ctx: ctx, span: span, attrs: attrs, start: start}, nil
}

func (d *DAO) ReadBytes(ctx context.Context, bucket blob.BucketName, id blob.ID) ([]byte, error) {
	var data []byte
	err := d.observe(ctx, "read_bytes", bucket, func(ctx context.Context) error {
		var err error
		data, err = d.backend.ReadBytes(ctx, bucket, id)
		return err
	})
	if err == nil && d.opts.metricsEnabled {
		d.outBytes.Add(ctx, int64(len(data)), metric.WithAttributes(d.attrs("read_bytes", bucket)...))
	}
	return data, err
}

func (d *DAO) Save(ctx context.Context, bucket blob.BucketName, id blob.ID, data []byte) error {
	err := d.observe(ctx, "save", bucket, func(ctx context.Context) error {
		return d.backend.Save(ctx, bucket, id, data)
	})
	if err == nil && d.opts.metricsEnabled {
		d.inBytes.Add(ctx, int64(len(data)), metric.WithAttributes(d.attrs("save", bucket)...))
	}
	return err
}

func (d *DAO) SaveStream(ctx context.Context, bucket blob.BucketName, id blob.ID, r io.Reader) error {
	cr := &countingReader{reader: r}
	err := d.observe(ctx, "save_stream", bucket, func(ctx context.Context) error {
		return d.backend.SaveStream(ctx, bucket, id, cr)
	})
	if err == nil && d.opts.metricsEnabled {
		d.inBytes.Add(ctx, cr.bytes, metric.WithAttributes(d.attrs("save_stream", bucket)...))
	}
	return err
}

func (d *DAO) Delete(ctx context.Context, bucket blob.BucketName, ids ...blob.ID) error {
	return d.observe(ctx, "delete", bucket, func(ctx context.Context) error {
		return d.backend.Delete(ctx, bucket, ids...)
	})
}

func (d *DAO) DeleteBucket(ctx context.Context, bucket blob.BucketName) error {
	return d.observe(ctx, "delete_bucket", bucket, func(ctx context.Context) error {
		return d.backend.DeleteBucket(ctx, bucket)
	})
}

func (d *DAO) ListBuckets(ctx context.Context) ([]blob.BucketName, error) {
	var out []blob.BucketName
	err := d.observe(ctx, "list_buckets", "", func(ctx context.Context) error {
		var err error
		out, err = d.backend.ListBuckets(ctx)
		return err
	})
	return out, err
}

func (d *DAO) ListBlobs(ctx context.Context, bucket blob.BucketName) ([]blob.ID, error) {
	var out []blob.ID
	err := d.observe(ctx, "list_blobs", bucket, func(ctx context.Context) error {
		var err error
		out, err = d.backend.ListBlobs(ctx, bucket)
		return err
	})
	return out, err
}

type countingReader struct {
	reader io.Reader
	bytes  int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}

type instrumentedReader struct {
	reader io.ReadCloser
	dao    *DAO
	ctx    context.Context
	span   trace.Span
	attrs  []attribute.KeyValue
	start  time.Time
	bytes  int64
	closed bool
}

func (r *instrumentedReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}

func (r *instrumentedReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.reader.Close()
	if r.dao.opts.metricsEnabled {
		r.dao.outBytes.Add(r.ctx, r.bytes, metric.WithAttributes(r.attrs...))
	}
	if r.span != nil {
		r.span.SetAttributes(attribute.Int64("blob.bytes", r.bytes))
	}
	r.dao.finish(r.ctx, r.span, r.attrs, r.start, err)
	return err
}
