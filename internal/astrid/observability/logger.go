// Package observability provides structured logging helpers for the Trust &
// Execution Core.
//
// It wraps log/slog with trace ID propagation and secret redaction so that
// every log line emitted during a turn — policy evaluation, budget
// reservation, plugin subprocess lifecycle, sub-agent scheduling — carries
// the trace context of the tool call that caused it.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/unicity-astrid/astrid/common/redact"
	"github.com/unicity-astrid/astrid/common/trace"
)

// Setup configures the global slog logger according to the provided level and
// format strings (e.g. level="info", format="json").
func Setup(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithTrace returns a child logger that always includes the trace_id from ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.With("trace_id", traceID)
}

// WithComponent returns a child logger scoped to one of the eleven
// Trust & Execution Core components (e.g. "interceptor", "plugin_host"),
// in addition to the trace ID from ctx.
func WithComponent(ctx context.Context, component string) *slog.Logger {
	return WithTrace(ctx).With("component", component)
}

// RedactSecrets replaces known-sensitive values in a log message with "[REDACTED]".
func RedactSecrets(msg string, sensitiveValues ...string) string {
	return redact.String(msg, sensitiveValues...)
}
