package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records delivery metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordQueued records an event accepted into the queue.
	RecordQueued(ctx context.Context, eventType string)

	// RecordTransfer records a completed transfer with its outcome.
	RecordTransfer(ctx context.Context, endpoint, outcome string, eventCount int, duration time.Duration)

	// RecordBatchSize records how many events a request carried.
	RecordBatchSize(ctx context.Context, endpoint string, size int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	queued    metric.Int64Counter
	delivered metric.Int64Counter
	dropped   metric.Int64Counter
	retried   metric.Int64Counter
	latency   metric.Float64Histogram
	batchSize metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("beacon")

	queued, err := meter.Int64Counter("beacon.events.queued",
		metric.WithDescription("Number of events accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	delivered, err := meter.Int64Counter("beacon.events.delivered",
		metric.WithDescription("Number of events accepted by the collection API"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("beacon.events.dropped",
		metric.WithDescription("Number of events rejected with a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	retried, err := meter.Int64Counter("beacon.events.retried",
		metric.WithDescription("Number of events scheduled for another attempt"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("beacon.transfer.latency_ms",
		metric.WithDescription("Transfer latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	batchSize, err := meter.Int64Histogram("beacon.batch.size",
		metric.WithDescription("Events per request"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		queued:    queued,
		delivered: delivered,
		dropped:   dropped,
		retried:   retried,
		latency:   latency,
		batchSize: batchSize,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordQueued records a queued event.
func (m *otelMetrics) RecordQueued(ctx context.Context, eventType string) {
	m.queued.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordTransfer records a completed transfer.
func (m *otelMetrics) RecordTransfer(ctx context.Context, endpoint, outcome string, eventCount int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	)
	m.latency.Record(ctx, float64(duration.Milliseconds()), attrs)

	switch outcome {
	case "delivered":
		m.delivered.Add(ctx, int64(eventCount), attrs)
	case "drop":
		m.dropped.Add(ctx, int64(eventCount), attrs)
	case "retry":
		m.retried.Add(ctx, int64(eventCount), attrs)
	}
}

// RecordBatchSize records the number of events in a request.
func (m *otelMetrics) RecordBatchSize(ctx context.Context, endpoint string, size int) {
	m.batchSize.Record(ctx, int64(size), metric.WithAttributes(attribute.String("endpoint", endpoint)))
}
