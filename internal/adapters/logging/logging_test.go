package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/moat/internal/ports"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		entries = append(entries, entry)
	}
	return entries
}

func TestLogger_Console(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(Options{Output: &buf, Level: ports.LevelDebug, NoTimestamp: true})
	logger.Info(context.Background(), "module compiled", ports.F("hash", "ab12"), ports.F("size", 42))

	out := buf.String()
	for _, want := range []string{"INF", "module compiled", "hash=ab12", "size=42"} {
		assert.Contains(t, out, want)
	}
}

func TestLogger_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(Options{Output: &buf, JSON: true, NoTimestamp: true})
	logger.Warn(context.Background(), "pool exhausted", ports.F("service", "calc"), ports.Err(nil))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "warn", entries[0]["level"])
	assert.Equal(t, "pool exhausted", entries[0]["message"])
	assert.Equal(t, "calc", entries[0]["service"])
	assert.NotContains(t, entries[0], "time")
}

func TestLogger_Threshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level ports.Level
		want  []string
	}{
		{ports.LevelDebug, []string{"debug", "info", "warn", "error"}},
		{ports.LevelInfo, []string{"info", "warn", "error"}},
		{ports.LevelWarn, []string{"warn", "error"}},
		{ports.LevelError, []string{"error"}},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			logger := New(Options{Output: &buf, Level: tt.level, JSON: true, NoTimestamp: true})
			ctx := context.Background()
			logger.Debug(ctx, "debug")
			logger.Info(ctx, "info")
			logger.Warn(ctx, "warn")
			logger.Error(ctx, "error")

			var got []string
			for _, e := range decodeLines(t, &buf) {
				got = append(got, e["message"].(string))
			}
			assert.Equal(t, tt.want, got)
			assert.True(t, logger.Enabled(tt.level))
			assert.Equal(t, tt.level == ports.LevelDebug, logger.Enabled(ports.LevelDebug))
		})
	}
}

func TestLogger_With(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(Options{Output: &buf, JSON: true, NoTimestamp: true})

	logger.With(ports.F("session_id", "s-1")).Info(context.Background(), "derived")
	logger.Info(context.Background(), "original")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "s-1", entries[0]["session_id"])
	assert.NotContains(t, entries[1], "session_id")
	assert.Same(t, logger, logger.With())
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	logger := Discard()
	logger.Error(context.Background(), "dropped", ports.F("k", "v"))
	logger.With(ports.F("k", "v")).Info(context.Background(), "dropped")
	assert.False(t, logger.Enabled(ports.LevelError))

	assert.False(t, New(Options{}).Enabled(ports.LevelError))
}
