package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "safe-eval"

// Tracer wraps OpenTelemetry tracing for the evaluation pipeline.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context. A nil Tracer
// returns a no-op span.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("sandbox.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for tracing.
var (
	AttrExecID     = attribute.Key("safe_eval.execution.id")
	AttrSessionID  = attribute.Key("safe_eval.session.id")
	AttrLanguage   = attribute.Key("safe_eval.language")
	AttrVersion    = attribute.Key("safe_eval.version")
	AttrCodeHash   = attribute.Key("safe_eval.code_hash")
	AttrExitCode   = attribute.Key("safe_eval.exit_code")
	AttrDurationMS = attribute.Key("safe_eval.duration_ms")
	AttrPooled     = attribute.Key("safe_eval.session.pooled")
)
