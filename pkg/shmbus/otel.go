package shmbus

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// instrumentation carries the optional OpenTelemetry instruments for a
// session. A nil *instrumentation records nothing and hands out no-op
// spans.
type instrumentation struct {
	tracer       trace.Tracer
	allocCount   metric.Int64Counter
	allocBytes   metric.Int64Counter
	publishBytes metric.Int64Histogram
}

func newInstrumentation(meter metric.Meter, tracer trace.Tracer) (*instrumentation, error) {
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("shmbus")
	}
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("shmbus")
	}
	allocCount, err := meter.Int64Counter("shmbus.allocations",
		metric.WithDescription("Successful buffer allocations."))
	if err != nil {
		return nil, fmt.Errorf("shmbus: otel instrument: %w", err)
	}
	allocBytes, err := meter.Int64Counter("shmbus.allocated_bytes",
		metric.WithDescription("Requested bytes across successful allocations."))
	if err != nil {
		return nil, fmt.Errorf("shmbus: otel instrument: %w", err)
	}
	publishBytes, err := meter.Int64Histogram("shmbus.publish_bytes",
		metric.WithDescription("Payload size distribution of published buffers."))
	if err != nil {
		return nil, fmt.Errorf("shmbus: otel instrument: %w", err)
	}
	return &instrumentation{
		tracer:       tracer,
		allocCount:   allocCount,
		allocBytes:   allocBytes,
		publishBytes: publishBytes,
	}, nil
}

func (i *instrumentation) recordAlloc(ctx context.Context, bytes int64) {
	if i == nil {
		return
	}
	i.allocCount.Add(ctx, 1)
	i.allocBytes.Add(ctx, bytes)
}

func (i *instrumentation) recordPublish(ctx context.Context, bytes int64) {
	if i == nil {
		return
	}
	i.publishBytes.Record(ctx, bytes)
}

func (i *instrumentation) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if i == nil {
		return ctx, tracenoop.Span{}
	}
	return i.tracer.Start(ctx, name)
}
