// Package observability provides the backbone's telemetry surface:
// structured logging, metrics, and distributed tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry (publish outcomes, retries, dead-letter depth/age, fan-out rate)
//   - Tracing via OpenTelemetry (publish and delivery spans)
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"context"
	"log/slog"
	"time"

	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
)

// ResolveLogger returns logger, or slog.Default() when logger is nil.
func ResolveLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// EnrichLogger adds event context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, env.ID(), env.CorrelationID(), "ingest")
//	enriched.Info("delivering") // includes event_id, correlation_id, pipeline
func EnrichLogger(logger *slog.Logger, eventID, correlationID, pipeline string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("correlation_id", correlationID),
		slog.String("pipeline", pipeline),
	)
}

// LogPublishAccepted logs an accepted publish.
func LogPublishAccepted(logger *slog.Logger, eventID, domain, eventType, correlationID, pipeline string) {
	if logger == nil {
		return
	}
	logger.Debug("event accepted",
		slog.String("event_id", eventID),
		slog.String("domain", domain),
		slog.String("type", eventType),
		slog.String("correlation_id", correlationID),
		slog.String("pipeline", pipeline),
	)
}

// LogPublishRejected logs a rejected publish.
func LogPublishRejected(logger *slog.Logger, domain, eventType string, ec *bberrors.ErrorClass) {
	if logger == nil || ec == nil {
		return
	}
	logger.Info("event rejected",
		slog.String("domain", domain),
		slog.String("type", eventType),
		slog.String("error_class", string(ec.Class)),
		slog.String("code", ec.Code),
		slog.String("error", ec.Reason),
	)
}

// LogValidationViolations logs violations that permissive mode let through.
func LogValidationViolations(logger *slog.Logger, domain, eventType string, violations []*bberrors.ErrorClass) {
	if logger == nil || len(violations) == 0 {
		return
	}
	codes := make([]string, len(violations))
	for i, v := range violations {
		codes[i] = v.Code
	}
	logger.Warn("event accepted despite validation violations",
		slog.String("domain", domain),
		slog.String("type", eventType),
		slog.Any("violations", codes),
		slog.String("error", violations[0].Reason),
	)
}

// LogDeliveryFailed logs a failed delivery attempt.
func LogDeliveryFailed(logger *slog.Logger, consumer string, attempt int, ec *bberrors.ErrorClass) {
	if logger == nil || ec == nil {
		return
	}
	level := slog.LevelWarn
	if ec.Class == bberrors.ClassSecurity || ec.Class == bberrors.ClassFatal {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "delivery failed",
		slog.String("consumer", consumer),
		slog.Int("attempt", attempt),
		slog.String("error_class", string(ec.Class)),
		slog.String("code", ec.Code),
		slog.String("error", ec.Reason),
	)
}

// LogDeadLetter logs a dead-lettered delivery.
func LogDeadLetter(logger *slog.Logger, eventID, queue string, attempts int, ec *bberrors.ErrorClass) {
	if logger == nil || ec == nil {
		return
	}
	logger.Warn("event dead-lettered",
		slog.String("event_id", eventID),
		slog.String("queue", queue),
		slog.Int("attempts", attempts),
		slog.String("error_class", string(ec.Class)),
		slog.String("code", ec.Code),
	)
}

// LogFanoutFlagged logs a cross-domain edge that sustained its rate threshold.
func LogFanoutFlagged(logger *slog.Logger, source, target string, perMinute float64) {
	if logger == nil {
		return
	}
	logger.Warn("cross-domain edge exceeds fan-out threshold",
		slog.String("source_domain", source),
		slog.String("target_domain", target),
		slog.Float64("events_per_minute", perMinute),
	)
}

// LogSupervisorRestart logs a supervised goroutine restarting after a panic.
func LogSupervisorRestart(logger *slog.Logger, pipeline, worker string, restarts int, cause any) {
	if logger == nil {
		return
	}
	logger.Error("pipeline worker crashed, restarting",
		slog.String("pipeline", pipeline),
		slog.String("worker", worker),
		slog.Int("restarts", restarts),
		slog.Any("panic", cause),
	)
}

// LogLegacyCall logs use of a deprecated entry point.
func LogLegacyCall(logger *slog.Logger, entryPoint, eventType string) {
	if logger == nil {
		return
	}
	logger.Warn("deprecated publish entry point used",
		slog.String("entry_point", entryPoint),
		slog.String("type", eventType),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
