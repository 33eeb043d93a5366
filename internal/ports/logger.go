// Package ports defines the interfaces the sandbox core uses to reach the
// outside world: structured logging and the host filesystem.
package ports

import (
	"context"
	"strings"
)

// Level is a log severity. The zero value is LevelInfo.
type Level int8

// Severities in increasing order.
const (
	LevelDebug Level = iota - 1
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel maps a configured level name to a Level, ignoring case. The
// empty name is LevelInfo. ok is false for names moat does not know.
func ParseLevel(name string) (level Level, ok bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, true
	case "", "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// Field is one key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err builds the conventional "error" field. Its value is the error text, or
// nil for a nil error.
func Err(err error) Field {
	f := Field{Key: "error"}
	if err != nil {
		f.Value = err.Error()
	}
	return f
}

// Logger is the structured logger used by the runtime, the bridge and the
// CLI. Implementations must be safe for concurrent use.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// With returns a child logger that adds fields to every entry.
	With(fields ...Field) Logger

	// Enabled reports whether entries at level are written. Callers use it
	// to skip building expensive fields.
	Enabled(level Level) bool
}
