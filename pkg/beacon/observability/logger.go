// Package observability provides observability features for beacon:
// structured logging, metrics, and distributed tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds dispatcher context to a logger.
// Returns a new logger with component and batch_mode fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "dispatcher", true)
//	enriched.Info("started") // includes component, batch_mode
func EnrichLogger(logger *slog.Logger, component string, batchMode bool) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("component", component),
		slog.Bool("batch_mode", batchMode),
	)
}

// LogDispatcherStart logs the start of the dispatch loop.
func LogDispatcherStart(logger *slog.Logger, pending int) {
	if logger == nil {
		return
	}
	logger.Info("dispatcher starting",
		slog.Int("pending_events", pending),
	)
}

// LogDispatcherStop logs dispatch loop termination.
func LogDispatcherStop(logger *slog.Logger, dropped, aborted int) {
	if logger == nil {
		return
	}
	logger.Info("dispatcher stopped",
		slog.Int("queued_discarded", dropped),
		slog.Int("transfers_aborted", aborted),
	)
}

// LogTransferStart logs a request being issued.
func LogTransferStart(logger *slog.Logger, endpoint string, eventCount int, firstID, lastID uint64) {
	if logger == nil {
		return
	}
	logger.Debug("transfer starting",
		slog.String("endpoint", endpoint),
		slog.Int("event_count", eventCount),
		slog.Uint64("first_event_id", firstID),
		slog.Uint64("last_event_id", lastID),
	)
}

// LogTransferComplete logs a successful delivery.
func LogTransferComplete(logger *slog.Logger, endpoint string, eventCount int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("transfer completed",
		slog.String("endpoint", endpoint),
		slog.Int("event_count", eventCount),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogTransferRetry logs a retryable failure.
func LogTransferRetry(logger *slog.Logger, endpoint string, eventCount int, statusCode int, err error, retryAfter time.Time) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("endpoint", endpoint),
		slog.Int("event_count", eventCount),
		slog.Time("retry_after", retryAfter),
	}
	if statusCode != 0 {
		attrs = append(attrs, slog.Int("status_code", statusCode))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.Warn("transfer failed, will retry", attrs...)
}

// LogTransferDropped logs events rejected for good.
func LogTransferDropped(logger *slog.Logger, endpoint string, eventCount int, statusCode int, body string) {
	if logger == nil {
		return
	}
	logger.Error("transfer rejected, dropping events",
		slog.String("endpoint", endpoint),
		slog.Int("event_count", eventCount),
		slog.Int("status_code", statusCode),
		slog.String("response", body),
	)
}

// LogEventSkipped logs a single event left out of a request.
func LogEventSkipped(logger *slog.Logger, eventID uint64, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("event skipped",
		slog.Uint64("event_id", eventID),
		slog.String("reason", reason),
	)
}

// LogStoreError logs a store failure (non-fatal).
func LogStoreError(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event store operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
