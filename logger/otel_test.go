package logger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/trace"
)

type memoryExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *memoryExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *memoryExporter) Shutdown(context.Context) error   { return nil }
func (e *memoryExporter) ForceFlush(context.Context) error { return nil }

func (e *memoryExporter) all() []sdklog.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sdklog.Record(nil), e.records...)
}

func attributes(r sdklog.Record) map[string]string {
	out := make(map[string]string)
	r.WalkAttributes(func(kv log.KeyValue) bool {
		out[kv.Key] = kv.Value.String()
		return true
	})
	return out
}

func newOtelTestLogger(t *testing.T, level LogLevel) (Logger, *memoryExporter) {
	t.Helper()
	exp := &memoryExporter{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return NewOtelLogger(provider.Logger("readcache"), level), exp
}

func TestOtelLoggerEmits(t *testing.T) {
	log, exp := newOtelTestLogger(t, LevelInfo)
	log.WithPrefix("[warm]").With(map[string]interface{}{"domain": "inventory", "reads": 3}).Warn("warmed %d reads", 3)
	log.Debug("dropped")

	records := exp.all()
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, "warmed 3 reads", r.Body().AsString())
	assert.Equal(t, "WARN", r.SeverityText())
	attrs := attributes(r)
	assert.Equal(t, "warm", attrs["component"])
	assert.Equal(t, "inventory", attrs["domain"])
	assert.Equal(t, "3", attrs["reads"])
}

func TestOtelLoggerCarriesTrace(t *testing.T) {
	log, exp := newOtelTestLogger(t, LevelTrace)
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(),
		trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID}))

	log.WithContext(ctx).Info("traced")

	records := exp.all()
	require.Len(t, records, 1)
	assert.Equal(t, traceID, records[0].TraceID())
}

func TestOtelLoggerStack(t *testing.T) {
	log, exp := newOtelTestLogger(t, LevelTrace)
	test := NewTestLogger()
	stacked := log.Stack(test).WithPrefix("[server]")
	stacked.Error("boom")

	assert.Len(t, exp.all(), 1)
	assert.Equal(t, 1, test.Count("ERROR", "boom"))
}
