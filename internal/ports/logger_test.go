package ports

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		want   Level
		wantOK bool
	}{
		{"debug", LevelDebug, true},
		{"", LevelInfo, true},
		{" Info ", LevelInfo, true},
		{"warning", LevelWarn, true},
		{"ERROR", LevelError, true},
		{"verbose", LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseLevel(tt.name)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestLevel_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		got, ok := ParseLevel(level.String())
		assert.True(t, ok, level.String())
		assert.Equal(t, level, got)
	}
	assert.Equal(t, "unknown", Level(42).String())
}

func TestLevel_ZeroIsInfo(t *testing.T) {
	t.Parallel()

	var level Level
	assert.Equal(t, LevelInfo, level)
	assert.Less(t, LevelDebug, LevelInfo)
	assert.Less(t, LevelWarn, LevelError)
}

func TestErr(t *testing.T) {
	t.Parallel()

	f := Err(errors.New("boom"))
	assert.Equal(t, Field{Key: "error", Value: "boom"}, f)
	assert.Equal(t, Field{Key: "error"}, Err(nil))
}
