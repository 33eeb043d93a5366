// Package logging implements ports.Logger on top of zerolog.
package logging

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/felixgeelhaar/moat/internal/ports"
)

// Options configures New.
type Options struct {
	// Output receives log lines. Nil discards everything.
	Output io.Writer
	Level  ports.Level
	// JSON writes one JSON object per line instead of console text.
	JSON bool
	// NoTimestamp drops the time field, which keeps test output stable.
	NoTimestamp bool
}

// Logger adapts a zerolog.Logger to ports.Logger.
type Logger struct {
	zl zerolog.Logger
}

// New builds a logger from opts.
func New(opts Options) *Logger {
	if opts.Output == nil {
		return Discard()
	}

	out := opts.Output
	if !opts.JSON {
		cw := zerolog.ConsoleWriter{Out: opts.Output, NoColor: true, TimeFormat: time.TimeOnly}
		if opts.NoTimestamp {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		out = cw
	}

	zctx := zerolog.New(out).Level(zerologLevel(opts.Level)).With()
	if !opts.NoTimestamp {
		zctx = zctx.Timestamp()
	}
	return &Logger{zl: zctx.Logger()}
}

// Discard returns a logger that writes nothing. It is the default for
// components built without WithLogger.
func Discard() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func (l *Logger) Debug(_ context.Context, msg string, fields ...ports.Field) {
	write(l.zl.Debug(), msg, fields)
}

func (l *Logger) Info(_ context.Context, msg string, fields ...ports.Field) {
	write(l.zl.Info(), msg, fields)
}

func (l *Logger) Warn(_ context.Context, msg string, fields ...ports.Field) {
	write(l.zl.Warn(), msg, fields)
}

func (l *Logger) Error(_ context.Context, msg string, fields ...ports.Field) {
	write(l.zl.Error(), msg, fields)
}

// With returns a child logger carrying fields. The parent is unchanged.
func (l *Logger) With(fields ...ports.Field) ports.Logger {
	if len(fields) == 0 {
		return l
	}
	return &Logger{zl: l.zl.With().Fields(fieldMap(fields)).Logger()}
}

// Enabled reports whether level passes the logger's threshold.
func (l *Logger) Enabled(level ports.Level) bool {
	return zerologLevel(level) >= l.zl.GetLevel()
}

// Zerolog exposes the underlying logger for libraries that accept one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// write is a no-op for a nil event, which zerolog returns for filtered
// levels.
func write(ev *zerolog.Event, msg string, fields []ports.Field) {
	if ev == nil {
		return
	}
	if len(fields) > 0 {
		ev = ev.Fields(fieldMap(fields))
	}
	ev.Msg(msg)
}

func zerologLevel(level ports.Level) zerolog.Level {
	switch level {
	case ports.LevelDebug:
		return zerolog.DebugLevel
	case ports.LevelWarn:
		return zerolog.WarnLevel
	case ports.LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func fieldMap(fields []ports.Field) map[string]any {
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return m
}

var _ ports.Logger = (*Logger)(nil)
