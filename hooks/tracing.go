package hooks

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingHook implements OpenTelemetry tracing
type TracingHook struct {
	tracer trace.Tracer
}

// NewTracingHook creates a new tracing hook
func NewTracingHook(tracer trace.Tracer) *TracingHook {
	return &TracingHook{tracer: tracer}
}

type spanCtxKey struct{}

// BeforeStatement is called before a statement is executed
func (h *TracingHook) BeforeStatement(ctx context.Context, event *StatementEvent) context.Context {
	if h.tracer == nil {
		return ctx
	}

	op := OperationType(event.SQL)

	ctx, span := h.tracer.Start(ctx, "db."+op,
		trace.WithSpanKind(trace.SpanKindClient),
	)

	return context.WithValue(ctx, spanCtxKey{}, span)
}

// AfterStatement is called after a statement is executed
func (h *TracingHook) AfterStatement(ctx context.Context, event *StatementEvent) {
	spanVal := ctx.Value(spanCtxKey{})
	if spanVal == nil {
		return
	}

	span, ok := spanVal.(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.statement", truncate(event.SQL)),
		attribute.String("db.operation", OperationType(event.SQL)),
	)

	if event.Err != nil {
		span.RecordError(event.Err)
		span.SetStatus(codes.Error, event.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
}
