package config

import (
	"errors"
	"fmt"
	"strings"
)

// Codes carried by UserError. The CLI prints them and tests match on them.
const (
	ErrCodeConfigNotFound    = "CONFIG_NOT_FOUND"
	ErrCodeConfigParse       = "CONFIG_PARSE"
	ErrCodeConfigFormat      = "CONFIG_FORMAT"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeServiceInvalid    = "SERVICE_INVALID"
	ErrCodeStateUnavailable  = "STATE_UNAVAILABLE"
	ErrCodeDiscoveryFailed   = "DISCOVERY_FAILED"
	ErrCodeDuplicateService  = "DUPLICATE_SERVICE"
	ErrCodeOperationConflict = "OPERATION_CONFLICT"
)

// UserError is a configuration problem worded for the operator: where it was
// found and how to fix it.
type UserError struct {
	Code       string
	Message    string
	Context    string // file, file and line, or dotted config key
	Suggestion string
	Underlying error
}

func (e *UserError) Error() string {
	if e.Context != "" {
		return e.Message + " (at " + e.Context + ")"
	}
	return e.Message
}

func (e *UserError) Unwrap() error { return e.Underlying }

// Is matches any *UserError with the same code, so callers can write
// errors.Is(err, &UserError{Code: ErrCodeConfigParse}).
func (e *UserError) Is(target error) bool {
	t, ok := target.(*UserError)
	return ok && t.Code == e.Code
}

// Detail is the multi-line terminal rendering of the error.
func (e *UserError) Detail() string {
	lines := []string{fmt.Sprintf("[%s] %s", e.Code, e.Message)}
	if e.Context != "" {
		lines = append(lines, "  Location: "+e.Context)
	}
	if e.Suggestion != "" {
		lines = append(lines, "  Suggestion: "+e.Suggestion)
	}
	if e.Underlying != nil {
		lines = append(lines, "  Cause: "+e.Underlying.Error())
	}
	return strings.Join(lines, "\n")
}

// NewUserError starts a UserError. The With methods fill in the rest and
// never modify the receiver.
func NewUserError(code, message string) *UserError {
	return &UserError{Code: code, Message: message}
}

func (e *UserError) WithContext(context string) *UserError {
	c := *e
	c.Context = context
	return &c
}

func (e *UserError) WithSuggestion(suggestion string) *UserError {
	c := *e
	c.Suggestion = suggestion
	return &c
}

func (e *UserError) WithUnderlying(err error) *UserError {
	c := *e
	c.Underlying = err
	return &c
}

// ErrorList collects every problem found in one validation pass so the
// operator can fix them all at once.
type ErrorList struct {
	items []*UserError
}

func NewErrorList() *ErrorList { return &ErrorList{} }

// Add records err. A nil err is ignored.
func (l *ErrorList) Add(err *UserError) {
	if err == nil {
		return
	}
	l.items = append(l.items, err)
}

// AddValidation records a VALIDATION_FAILED problem with the config key
// field.
func (l *ErrorList) AddValidation(field, message, suggestion string) {
	l.Add(&UserError{
		Code:       ErrCodeValidationFailed,
		Message:    field + ": " + message,
		Context:    field,
		Suggestion: suggestion,
	})
}

func (l *ErrorList) HasErrors() bool { return len(l.items) != 0 }

func (l *ErrorList) Len() int { return len(l.items) }

// Errors returns the collected errors. The slice is a copy.
func (l *ErrorList) Errors() []*UserError {
	return append([]*UserError(nil), l.items...)
}

func (l *ErrorList) Error() string {
	if len(l.items) < 2 {
		if len(l.items) == 0 {
			return ""
		}
		return l.items[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d errors occurred:\n", len(l.items))
	for i, e := range l.items {
		fmt.Fprintf(&b, "  %d. %v\n", i+1, e)
	}
	return b.String()
}

// Detail renders each error with Detail, numbered.
func (l *ErrorList) Detail() string {
	if len(l.items) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d error(s):\n", len(l.items))
	for i, e := range l.items {
		fmt.Fprintf(&b, "\n--- Error %d ---\n%s\n", i+1, e.Detail())
	}
	return b.String()
}

func (l *ErrorList) Unwrap() []error {
	errs := make([]error, 0, len(l.items))
	for _, e := range l.items {
		errs = append(errs, e)
	}
	return errs
}

// AsError returns nil for an empty list so callers can return it directly.
func (l *ErrorList) AsError() error {
	if l.HasErrors() {
		return l
	}
	return nil
}

// NewConfigNotFoundError reports a config path that does not exist.
func NewConfigNotFoundError(path string) *UserError {
	return &UserError{
		Code:       ErrCodeConfigNotFound,
		Message:    "configuration file not found: " + path,
		Context:    path,
		Suggestion: "Check the --config path, or run moat without --config to use the defaults.",
	}
}

// NewUnsupportedFormatError reports an extension other than .yaml, .yml or
// .toml.
func NewUnsupportedFormatError(path string) *UserError {
	return &UserError{
		Code:       ErrCodeConfigFormat,
		Message:    "unsupported configuration format",
		Context:    path,
		Suggestion: "Use a .yaml, .yml or .toml file.",
	}
}

// parseHints map decoder error text to an operator-facing explanation. The
// first match wins.
var parseHints = []struct {
	match      []string
	message    string
	suggestion string
}{
	{
		match:      []string{"not found in type", "strict mode"},
		message:    "unknown configuration key",
		suggestion: "Remove the key or check its spelling. Keys are snake_case, for example max_host_calls.",
	},
	{
		match:      []string{"cannot unmarshal !!seq into"},
		message:    "expected an object but found a list",
		suggestion: "Use 'key: value' entries instead of '- item' entries.",
	},
	{
		match:      []string{"cannot unmarshal !!map into"},
		message:    "expected a list but found an object",
		suggestion: "services must be a list, for example '- name: calc'.",
	},
	{
		match:      []string{"invalid duration", "time: "},
		message:    "invalid duration",
		suggestion: "Durations are Go durations such as 250ms, 10s or 1m30s.",
	},
	{
		match:      []string{"invalid size"},
		message:    "invalid size",
		suggestion: "Sizes are byte counts with an optional KB, MB or GB suffix, for example 64MB.",
	},
}

var syntaxHints = map[Format]string{
	FormatYAML: "YAML is sensitive to indentation. Use spaces, not tabs, and quote values containing ':' or '#'.",
	FormatTOML: "Check that tables are declared with [section] and strings are quoted.",
}

// NewConfigParseError explains a decoder failure for path. When the decoder
// names a line, the location includes it.
func NewConfigParseError(path string, format Format, err error) *UserError {
	text := err.Error()
	ue := &UserError{
		Code:       ErrCodeConfigParse,
		Message:    fmt.Sprintf("invalid %s syntax", format),
		Context:    path,
		Suggestion: syntaxHints[format],
		Underlying: err,
	}
	if ue.Suggestion == "" {
		ue.Suggestion = "Check the file syntax."
	}

hints:
	for _, h := range parseHints {
		for _, m := range h.match {
			if strings.Contains(text, m) {
				ue.Message, ue.Suggestion = h.message, h.suggestion
				break hints
			}
		}
	}

	if _, rest, ok := strings.Cut(text, "line "); ok {
		line, _, _ := strings.Cut(rest, ":")
		ue.Context = path + " (line " + line + ")"
	}
	return ue
}

// NewValidationFailedError reports a single invalid field.
func NewValidationFailedError(field, message string) *UserError {
	return &UserError{
		Code:    ErrCodeValidationFailed,
		Message: fmt.Sprintf("validation failed for '%s': %s", field, message),
		Context: field,
	}
}

// IsUserError reports whether err's chain holds a UserError with code.
func IsUserError(err error, code string) bool {
	ue := GetUserError(err)
	return ue != nil && ue.Code == code
}

// GetUserError returns the first UserError in err's chain, or nil.
func GetUserError(err error) *UserError {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue
	}
	return nil
}
