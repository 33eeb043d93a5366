package config

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      *UserError
		expected string
	}{
		{
			name:     "message only",
			err:      &UserError{Code: ErrCodeConfigNotFound, Message: "config file not found"},
			expected: "config file not found",
		},
		{
			name:     "with context",
			err:      &UserError{Code: ErrCodeConfigNotFound, Message: "config file not found", Context: "moat.yaml"},
			expected: "config file not found (at moat.yaml)",
		},
		{
			name: "suggestion is not part of the message",
			err: &UserError{
				Code:       ErrCodeConfigNotFound,
				Message:    "config file not found",
				Context:    "moat.yaml",
				Suggestion: "check the path",
			},
			expected: "config file not found (at moat.yaml)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestUserError_Detail(t *testing.T) {
	t.Parallel()

	err := &UserError{
		Code:       ErrCodeStateUnavailable,
		Message:    "cannot reach the redis state backend",
		Context:    "localhost:6379",
		Suggestion: "set state.backend to memory",
		Underlying: errors.New("connection refused"),
	}

	detail := err.Detail()
	assert.Contains(t, detail, "[STATE_UNAVAILABLE] cannot reach the redis state backend")
	assert.Contains(t, detail, "Location: localhost:6379")
	assert.Contains(t, detail, "Suggestion: set state.backend to memory")
	assert.Contains(t, detail, "Cause: connection refused")
}

func TestUserError_IsAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("root cause")
	err := NewUserError(ErrCodeConfigParse, "parse failed").WithUnderlying(cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, &UserError{Code: ErrCodeConfigParse})
	assert.NotErrorIs(t, err, &UserError{Code: ErrCodeConfigNotFound})
}

func TestUserError_WithCopies(t *testing.T) {
	t.Parallel()

	original := NewUserError(ErrCodeServiceInvalid, "bad service")
	derived := original.WithContext("services.calc").WithSuggestion("set a command")

	assert.Equal(t, "services.calc", derived.Context)
	assert.Equal(t, "set a command", derived.Suggestion)
	assert.Equal(t, original.Code, derived.Code)
	assert.Empty(t, original.Context)
	assert.Empty(t, original.Suggestion)
}

func TestErrorList(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		list := NewErrorList()
		list.Add(nil)
		assert.False(t, list.HasErrors())
		assert.NoError(t, list.AsError())
		assert.Empty(t, list.Error())
		assert.Empty(t, list.Detail())
	})

	t.Run("single error reads like the error", func(t *testing.T) {
		t.Parallel()
		list := NewErrorList()
		list.AddValidation("limits.timeout", "must be positive", "")
		require.Equal(t, 1, list.Len())
		assert.Equal(t, "limits.timeout: must be positive (at limits.timeout)", list.Error())
	})

	t.Run("several errors", func(t *testing.T) {
		t.Parallel()
		list := NewErrorList()
		list.AddValidation("limits.timeout", "must be positive", "Use a duration such as 10s.")
		list.Add(NewConfigNotFoundError("moat.yaml"))

		assert.Contains(t, list.Error(), "2 errors occurred")
		detail := list.Detail()
		assert.Contains(t, detail, "Found 2 error(s)")
		assert.Contains(t, detail, "[VALIDATION_FAILED]")
		assert.Contains(t, detail, "[CONFIG_NOT_FOUND]")
		assert.Contains(t, detail, "Suggestion: Use a duration such as 10s.")
	})

	t.Run("errors is a copy", func(t *testing.T) {
		t.Parallel()
		list := NewErrorList()
		list.Add(NewUserError("A", "a"))
		errs := list.Errors()
		errs[0] = nil
		assert.NotNil(t, list.Errors()[0])
	})

	t.Run("members are reachable through the chain", func(t *testing.T) {
		t.Parallel()
		list := NewErrorList()
		list.AddValidation("log.level", "unknown level", "")
		list.Add(NewUserError(ErrCodeDuplicateService, "dup"))
		err := fmt.Errorf("loading: %w", list.AsError())

		assert.ErrorIs(t, err, &UserError{Code: ErrCodeDuplicateService})
		assert.True(t, IsUserError(err, ErrCodeValidationFailed))
		var got *ErrorList
		require.ErrorAs(t, err, &got)
		assert.Equal(t, 2, got.Len())
	})
}

func TestNewConfigParseError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		format        Format
		err           error
		message       string
		context       string
		suggestionHas string
	}{
		{
			name:          "yaml unknown field",
			format:        FormatYAML,
			err:           errors.New("yaml: unmarshal errors:\n  line 3: field max_fule not found in type config.LimitsConfig"),
			message:       "unknown configuration key",
			context:       "moat.yaml (line 3)",
			suggestionHas: "max_host_calls",
		},
		{
			name:          "toml strict mode",
			format:        FormatTOML,
			err:           errors.New("strict mode: fields in the document are missing in the target struct"),
			message:       "unknown configuration key",
			context:       "moat.yaml",
			suggestionHas: "spelling",
		},
		{
			name:          "seq into map",
			format:        FormatYAML,
			err:           errors.New("yaml: unmarshal errors:\n  line 2: cannot unmarshal !!seq into config.LimitsConfig"),
			message:       "expected an object but found a list",
			context:       "moat.yaml (line 2)",
			suggestionHas: "key: value",
		},
		{
			name:          "map into list",
			format:        FormatYAML,
			err:           errors.New("yaml: unmarshal errors:\n  line 7: cannot unmarshal !!map into []config.ServiceConfig"),
			message:       "expected a list but found an object",
			context:       "moat.yaml (line 7)",
			suggestionHas: "services",
		},
		{
			name:          "duration",
			format:        FormatYAML,
			err:           fmt.Errorf(`invalid duration "soon": %w`, errors.New(`time: invalid duration "soon"`)),
			message:       "invalid duration",
			context:       "moat.yaml",
			suggestionHas: "250ms",
		},
		{
			name:          "size",
			format:        FormatTOML,
			err:           errors.New(`invalid size "lots"`),
			message:       "invalid size",
			context:       "moat.yaml",
			suggestionHas: "64MB",
		},
		{
			name:          "generic yaml",
			format:        FormatYAML,
			err:           errors.New("yaml: found character that cannot start any token"),
			message:       "invalid yaml syntax",
			context:       "moat.yaml",
			suggestionHas: "tabs",
		},
		{
			name:          "generic toml",
			format:        FormatTOML,
			err:           errors.New("toml: expected newline"),
			message:       "invalid toml syntax",
			context:       "moat.yaml",
			suggestionHas: "[section]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ue := NewConfigParseError("moat.yaml", tt.format, tt.err)
			assert.Equal(t, ErrCodeConfigParse, ue.Code)
			assert.Equal(t, tt.message, ue.Message)
			assert.Equal(t, tt.context, ue.Context)
			assert.Contains(t, ue.Suggestion, tt.suggestionHas)
			assert.ErrorIs(t, ue, tt.err)
		})
	}
}

func TestConstructors(t *testing.T) {
	t.Parallel()

	notFound := NewConfigNotFoundError("/etc/moat.yaml")
	assert.Equal(t, ErrCodeConfigNotFound, notFound.Code)
	assert.Equal(t, "/etc/moat.yaml", notFound.Context)
	assert.Contains(t, notFound.Suggestion, "--config")

	format := NewUnsupportedFormatError("moat.ini")
	assert.Equal(t, ErrCodeConfigFormat, format.Code)
	assert.Contains(t, format.Suggestion, ".toml")

	invalid := NewValidationFailedError("cache.max_entries", "must be positive")
	assert.Equal(t, ErrCodeValidationFailed, invalid.Code)
	assert.Contains(t, invalid.Message, "cache.max_entries")

	assert.Nil(t, GetUserError(errors.New("plain")))
	assert.False(t, IsUserError(errors.New("plain"), ErrCodeConfigNotFound))
}
