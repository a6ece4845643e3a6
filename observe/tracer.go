package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// ResourceMeta identifies one wrapped computation for telemetry purposes.
type ResourceMeta struct {
	Name string // Resource name given at wrap time (required)
	Key  string // Derived cache key for this call (optional)
	Type string // Declared value type (optional)
}

// SpanName returns the deterministic span name for this resource.
// Format: swrr.compute.<name>
func (m ResourceMeta) SpanName() string {
	return "swrr.compute." + m.Name
}

// Tracer wraps OpenTelemetry tracing with per-computation spans.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	StartSpan(ctx context.Context, meta ResourceMeta) (context.Context, trace.Span)
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer wraps an OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	return &tracerImpl{tracer: t}
}

// StartSpan starts a new span with resource metadata as attributes.
func (t *tracerImpl) StartSpan(ctx context.Context, meta ResourceMeta) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("resource.name", meta.Name),
		attribute.Bool("swrr.error", false),
	}
	if meta.Key != "" {
		attrs = append(attrs, attribute.String("resource.key", meta.Key))
	}
	if meta.Type != "" {
		attrs = append(attrs, attribute.String("resource.type", meta.Type))
	}

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan ends the span and records the error status if present.
func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("swrr.error", true))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

type noopTracer struct {
	noop trace.Tracer
}

// NewNoopTracer creates a tracer that records nothing.
func NewNoopTracer() Tracer {
	return &noopTracer{
		noop: tracenoop.NewTracerProvider().Tracer("noop"),
	}
}

func (t *noopTracer) StartSpan(ctx context.Context, meta ResourceMeta) (context.Context, trace.Span) {
	return t.noop.Start(ctx, meta.SpanName())
}

func (t *noopTracer) EndSpan(span trace.Span, err error) {
	span.End()
}
