package logger

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

type testSink struct {
	mu  sync.Mutex
	buf []byte
}

func (s *testSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func TestGetLevelFromEnv(t *testing.T) {
	originalValue := os.Getenv(EnvLogLevel)
	defer os.Setenv(EnvLogLevel, originalValue)

	tests := []struct {
		name     string
		envValue string
		expected LogLevel
	}{
		{"trace level", "trace", LevelTrace},
		{"debug level", "debug", LevelDebug},
		{"info level", "info", LevelInfo},
		{"warn level", "warn", LevelWarn},
		{"warning alias", "warning", LevelWarn},
		{"error level", "error", LevelError},
		{"uppercase trace", "TRACE", LevelTrace},
		{"mixed case debug", "DeBuG", LevelDebug},
		{"empty string", "", LevelDebug},
		{"invalid value", "invalid", LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv(EnvLogLevel, tt.envValue)
			assert.Equal(t, tt.expected, GetLevelFromEnv())
		})
	}
}

func TestParseLevelUnknown(t *testing.T) {
	_, ok := ParseLevel("loud")
	assert.False(t, ok)
	level, ok := ParseLevel(" none ")
	assert.True(t, ok)
	assert.Equal(t, LevelNone, level)
}

func TestJSONLoggerSink(t *testing.T) {
	sink := &testSink{}
	log := NewJSONLoggerWithSink(sink, LevelInfo)
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	log.(*jsonLogger).ts = &ts

	log.WithPrefix("[readthrough]").With(map[string]interface{}{"key": "cache:api:s3:x"}).Info("hit %d", 1)
	log.Debug("dropped")

	var parsed map[string]interface{}
	assert.NoError(t, json.Unmarshal(sink.buf, &parsed))
	assert.Equal(t, "hit 1", parsed["message"])
	assert.Equal(t, "INFO", parsed["severity"])
	assert.Equal(t, "readthrough", parsed["component"])
	assert.Equal(t, "cache:api:s3:x", parsed["metadata"].(map[string]interface{})["key"])
}

func TestJSONLoggerWarnSeverity(t *testing.T) {
	sink := &testSink{}
	log := NewJSONLoggerWithSink(sink, LevelTrace)
	log.Warn("careful")

	var parsed map[string]interface{}
	assert.NoError(t, json.Unmarshal(sink.buf, &parsed))
	assert.Equal(t, "WARNING", parsed["severity"])
}

func TestJSONLoggerWithContextTrace(t *testing.T) {
	sink := &testSink{}
	log := NewJSONLoggerWithSink(sink, LevelTrace)
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	log.WithContext(ctx).Info("traced")

	var parsed map[string]interface{}
	assert.NoError(t, json.Unmarshal(sink.buf, &parsed))
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", parsed["trace"])
}

func TestConsoleLoggerSinkStripsColor(t *testing.T) {
	sink := &testSink{}
	log := NewConsoleLogger(LevelNone)
	log.SetSink(sink, LevelInfo)
	log.WithPrefix("[warm]").Info("done")

	assert.Contains(t, string(sink.buf), "[INFO ] [warm] done")
	assert.NotContains(t, string(sink.buf), "\033[")
}

func TestConsoleLoggerLevelEnabled(t *testing.T) {
	log := NewConsoleLogger(LevelWarn)
	assert.False(t, log.IsLevelEnabled(LevelInfo))
	assert.True(t, log.IsLevelEnabled(LevelError))
}

func TestWithKV(t *testing.T) {
	t.Run("string value", func(t *testing.T) {
		testLogger := NewTestLogger()
		kv := WithKV(testLogger, "testKey", "testValue")

		kvLogger, ok := kv.(*TestLogger)
		assert.True(t, ok)
		assert.Equal(t, "testValue", kvLogger.metadata["testKey"])

		kvLogger.Info("Test message")
		entries := testLogger.Entries()
		assert.Len(t, entries, 1)
		assert.Equal(t, "INFO", entries[0].Severity)
		assert.Equal(t, "Test message", entries[0].Message)
	})

	t.Run("multiple key-value pairs", func(t *testing.T) {
		testLogger := NewTestLogger()
		kvLogger := WithKV(WithKV(testLogger, "key1", "value1"), "key2", 42).(*TestLogger)
		assert.Equal(t, "value1", kvLogger.metadata["key1"])
		assert.Equal(t, 42, kvLogger.metadata["key2"])
		assert.Nil(t, testLogger.metadata)
	})
}

func TestTestLoggerConcurrent(t *testing.T) {
	log := NewTestLogger()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Warn("failed %d", 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, log.Count("WARNING", "failed"))
}
