package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// WithKV returns a logger carrying a single additional metadata field.
func WithKV(log Logger, key string, value interface{}) Logger {
	return log.With(map[string]interface{}{key: value})
}

// New returns a console logger, or a JSON logger when format is "json".
func New(format string, level LogLevel) Logger {
	if format == "json" {
		return NewJSONLogger(level)
	}
	return NewConsoleLogger(level)
}

func traceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
