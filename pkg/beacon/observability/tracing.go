package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("beacon")

// SpanManager handles trace span lifecycle for transfers.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartTransferSpan starts a span covering one HTTP request.
	StartTransferSpan(ctx context.Context, endpoint string, eventCount int) (context.Context, trace.Span)

	// EndTransferSpan records the outcome and completes the span.
	EndTransferSpan(span trace.Span, outcome string, statusCode int, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// Configure the global provider before calling this function:
//
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartTransferSpan starts a client span named beacon.transfer.
func (m *otelSpanManager) StartTransferSpan(ctx context.Context, endpoint string, eventCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "beacon.transfer",
		trace.WithAttributes(
			attribute.String("beacon.endpoint", endpoint),
			attribute.Int("beacon.event_count", eventCount),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndTransferSpan completes a transfer span. A retry or drop outcome
// marks the span as failed even when err is nil.
func (m *otelSpanManager) EndTransferSpan(span trace.Span, outcome string, statusCode int, err error) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String("beacon.outcome", outcome))
	if statusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", statusCode))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case outcome != "delivered":
		span.SetStatus(codes.Error, outcome)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
