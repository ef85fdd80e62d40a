package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

// RecordQueued does nothing.
func (NoopMetrics) RecordQueued(_ context.Context, _ string) {}

// RecordTransfer does nothing.
func (NoopMetrics) RecordTransfer(_ context.Context, _, _ string, _ int, _ time.Duration) {}

// RecordBatchSize does nothing.
func (NoopMetrics) RecordBatchSize(_ context.Context, _ string, _ int) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartTransferSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartTransferSpan(ctx context.Context, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndTransferSpan does nothing.
func (NoopSpanManager) EndTransferSpan(_ trace.Span, _ string, _ int, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
