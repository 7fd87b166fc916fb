package logger

import (
	"context"
	"maps"
	"strings"
	"sync"
)

type TestLogEntry struct {
	Severity  string
	Message   string
	Arguments []interface{}
}

// TestLogger records every entry in memory. Loggers derived through With,
// WithPrefix or WithContext share the parent's record.
type TestLogger struct {
	metadata map[string]interface{}
	Logs     []TestLogEntry
	child    Logger
	mu       *sync.Mutex
	root     *TestLogger
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) base() *TestLogger {
	if c.root != nil {
		return c.root
	}
	return c
}

func (c *TestLogger) WithContext(ctx context.Context) Logger {
	return c
}

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := maps.Clone(c.metadata)
	if kv == nil {
		kv = make(map[string]interface{}, len(metadata))
	}
	maps.Copy(kv, metadata)
	child := c.child
	if child != nil {
		child = child.With(metadata)
	}
	return &TestLogger{metadata: kv, child: child, mu: c.mu, root: c.base()}
}

func (c *TestLogger) IsLevelEnabled(level LogLevel) bool {
	return true
}

func (c *TestLogger) Log(level string, msg string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.base()
	b.Logs = append(b.Logs, TestLogEntry{level, msg, args})
}

// Entries returns a snapshot of the recorded entries.
func (c *TestLogger) Entries() []TestLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TestLogEntry(nil), c.base().Logs...)
}

// Count returns how many entries were recorded with severity whose message
// contains substr.
func (c *TestLogger) Count(severity, substr string) int {
	var n int
	for _, e := range c.Entries() {
		if e.Severity == severity && strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}

func (c *TestLogger) Trace(msg string, args ...interface{}) {
	c.Log("TRACE", msg, args...)
	if c.child != nil {
		c.child.Trace(msg, args...)
	}
}

func (c *TestLogger) Debug(msg string, args ...interface{}) {
	c.Log("DEBUG", msg, args...)
	if c.child != nil {
		c.child.Debug(msg, args...)
	}
}

func (c *TestLogger) Info(msg string, args ...interface{}) {
	c.Log("INFO", msg, args...)
	if c.child != nil {
		c.child.Info(msg, args...)
	}
}

func (c *TestLogger) Warn(msg string, args ...interface{}) {
	c.Log("WARNING", msg, args...)
	if c.child != nil {
		c.child.Warn(msg, args...)
	}
}

func (c *TestLogger) Error(msg string, args ...interface{}) {
	c.Log("ERROR", msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

// Fatal records the entry without exiting so tests can assert on it.
func (c *TestLogger) Fatal(msg string, args ...interface{}) {
	c.Log("FATAL", msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

func (c *TestLogger) Stack(next Logger) Logger {
	return &TestLogger{metadata: c.metadata, child: next, mu: c.mu, root: c.base()}
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{
		Logs: make([]TestLogEntry, 0),
		mu:   &sync.Mutex{},
	}
}
