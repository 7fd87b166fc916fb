package logger

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/log"
)

// otelLogger emits records through an OpenTelemetry log bridge so they are
// exported next to the spans of the same request.
type otelLogger struct {
	prefixes []string
	metadata map[string]log.Value
	logLevel LogLevel
	ctx      context.Context
	logger   log.Logger
	child    Logger
}

var _ Logger = (*otelLogger)(nil)

func (o *otelLogger) clone() *otelLogger {
	return &otelLogger{
		prefixes: slices.Clone(o.prefixes),
		metadata: maps.Clone(o.metadata),
		logLevel: o.logLevel,
		ctx:      o.ctx,
		logger:   o.logger,
		child:    o.child,
	}
}

func toLogValue(unknown interface{}) log.Value {
	switch v := unknown.(type) {
	case string:
		return log.StringValue(v)
	case int:
		return log.IntValue(v)
	case int64:
		return log.Int64Value(v)
	case bool:
		return log.BoolValue(v)
	case float64:
		return log.Float64Value(v)
	case []byte:
		return log.BytesValue(v)
	case time.Duration:
		return log.StringValue(v.String())
	case []interface{}:
		values := make([]log.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return log.SliceValue(values...)
	case map[string]interface{}:
		values := make([]log.KeyValue, 0, len(v))
		for k, item := range v {
			values = append(values, log.KeyValue{Key: k, Value: toLogValue(item)})
		}
		return log.MapValue(values...)
	default:
		return log.StringValue(fmt.Sprintf("%v", v))
	}
}

// WithContext binds ctx so records carry its trace and span ids.
func (o *otelLogger) WithContext(ctx context.Context) Logger {
	clone := o.clone()
	clone.ctx = ctx
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

func (o *otelLogger) WithPrefix(prefix string) Logger {
	clone := o.clone()
	if !slices.Contains(clone.prefixes, prefix) {
		clone.prefixes = append(clone.prefixes, prefix)
	}
	if clone.child != nil {
		clone.child = clone.child.WithPrefix(prefix)
	}
	return clone
}

func (o *otelLogger) With(metadata map[string]interface{}) Logger {
	clone := o.clone()
	if clone.metadata == nil {
		clone.metadata = make(map[string]log.Value, len(metadata))
	}
	for k, v := range metadata {
		clone.metadata[k] = toLogValue(v)
	}
	if clone.child != nil {
		clone.child = clone.child.With(metadata)
	}
	return clone
}

func (o *otelLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= o.logLevel
}

func (o *otelLogger) emit(level LogLevel, severity log.Severity, msg string, args ...interface{}) {
	if !o.IsLevelEnabled(level) {
		return
	}
	body := fmt.Sprintf(msg, args...)
	var component string
	if len(o.prefixes) > 0 {
		component = strings.Trim(strings.Join(o.prefixes, " "), "[]")
	}

	now := time.Now()
	var record log.Record
	record.SetBody(log.StringValue(body))
	record.SetSeverity(severity)
	record.SetSeverityText(severity.String())
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	if component != "" {
		record.AddAttributes(log.String("component", component))
	}
	for k, v := range o.metadata {
		record.AddAttributes(log.KeyValue{Key: k, Value: v})
	}
	ctx := o.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	o.logger.Emit(ctx, record)
}

func (o *otelLogger) Trace(msg string, args ...interface{}) {
	o.emit(LevelTrace, log.SeverityTrace, msg, args...)
	if o.child != nil {
		o.child.Trace(msg, args...)
	}
}

func (o *otelLogger) Debug(msg string, args ...interface{}) {
	o.emit(LevelDebug, log.SeverityDebug, msg, args...)
	if o.child != nil {
		o.child.Debug(msg, args...)
	}
}

func (o *otelLogger) Info(msg string, args ...interface{}) {
	o.emit(LevelInfo, log.SeverityInfo, msg, args...)
	if o.child != nil {
		o.child.Info(msg, args...)
	}
}

func (o *otelLogger) Warn(msg string, args ...interface{}) {
	o.emit(LevelWarn, log.SeverityWarn, msg, args...)
	if o.child != nil {
		o.child.Warn(msg, args...)
	}
}

func (o *otelLogger) Error(msg string, args ...interface{}) {
	o.emit(LevelError, log.SeverityError, msg, args...)
	if o.child != nil {
		o.child.Error(msg, args...)
	}
}

func (o *otelLogger) Fatal(msg string, args ...interface{}) {
	o.emit(LevelError, log.SeverityFatal, msg, args...)
	if o.child != nil {
		o.child.Error(msg, args...)
	}
	os.Exit(1)
}

func (o *otelLogger) Stack(next Logger) Logger {
	clone := o.clone()
	clone.child = next
	return clone
}

// NewOtelLogger returns a Logger emitting through l at level and above.
func NewOtelLogger(l log.Logger, level LogLevel) Logger {
	return &otelLogger{logger: l, logLevel: level}
}
