// Package observability provides structured logging, metrics and tracing
// for procbus: slog for logs, OpenTelemetry for metrics and spans.
//
// Every feature is opt-in and has a no-op implementation. Trace context
// crosses process boundaries in the envelope meta map using W3C trace
// context headers.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds the dispatcher role and instance token to a logger.
func EnrichLogger(logger *slog.Logger, role, token string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("role", role),
		slog.String("instance", token),
	)
}

// LogCallStart logs an outgoing request.
func LogCallStart(logger *slog.Logger, id uint64, target, action string) {
	if logger == nil {
		return
	}
	logger.Debug("ipc request sent",
		slog.Uint64("request_id", id),
		slog.String("target", target),
		slog.String("action", action),
	)
}

// LogCallComplete logs a settled request.
func LogCallComplete(logger *slog.Logger, id uint64, target, action string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("ipc request completed",
		slog.Uint64("request_id", id),
		slog.String("target", target),
		slog.String("action", action),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogCallError logs a request rejected by the remote side or torn down locally.
func LogCallError(logger *slog.Logger, id uint64, target, action string, err error) {
	if logger == nil {
		return
	}
	logger.Debug("ipc request failed",
		slog.Uint64("request_id", id),
		slog.String("target", target),
		slog.String("action", action),
		slog.String("error", err.Error()),
	)
}

// LogUnknownResponse logs a response whose request id is not pending.
func LogUnknownResponse(logger *slog.Logger, id uint64) {
	if logger == nil {
		return
	}
	logger.Warn("ipc response for unknown request",
		slog.Uint64("request_id", id),
	)
}

// LogVersionMismatch logs an envelope dropped for carrying another protocol version.
func LogVersionMismatch(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Warn("ipc message dropped",
		slog.String("error", err.Error()),
	)
}

// LogMalformed logs an envelope dropped because required fields are missing.
func LogMalformed(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Warn("malformed ipc message",
		slog.String("error", err.Error()),
	)
}

// LogHandlerError logs a failed action handler.
func LogHandlerError(logger *slog.Logger, action string, err error) {
	if logger == nil {
		return
	}
	logger.Debug("action handler failed",
		slog.String("action", action),
		slog.String("error", err.Error()),
	)
}

// LogListenerError logs an event listener that returned an error or panicked.
func LogListenerError(logger *slog.Logger, origin, event string, err error) {
	if logger == nil {
		return
	}
	logger.Error("event listener failed",
		slog.String("origin", origin),
		slog.String("event", event),
		slog.String("error", err.Error()),
	)
}

// LogUnhandledEvent logs a dispatched event nobody listens to.
func LogUnhandledEvent(logger *slog.Logger, origin, event string) {
	if logger == nil {
		return
	}
	logger.Warn("no listeners for event",
		slog.String("origin", origin),
		slog.String("event", event),
	)
}

// LogSendError logs an envelope that could not be written to its channel.
func LogSendError(logger *slog.Logger, what string, err error) {
	if logger == nil {
		return
	}
	logger.Error("ipc send failed",
		slog.String("message", what),
		slog.String("error", err.Error()),
	)
}

// TimedOperation returns a function reporting the time elapsed since the call.
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}

// Millis converts d to fractional milliseconds for logs and histograms.
func Millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
