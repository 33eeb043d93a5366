package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// Sandbox errors.
var (
	ErrInvalidModule     = errors.New("invalid module")
	ErrUnsupported       = errors.New("unsupported module feature")
	ErrInstantiation     = errors.New("module instantiation failed")
	ErrTrapped           = errors.New("execution trapped")
	ErrTimedOut          = errors.New("execution timed out")
	ErrLimitExceeded     = errors.New("resource limit exceeded")
	ErrPathTraversal     = errors.New("path escapes allowed roots")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidLimits     = errors.New("invalid resource limits")
	ErrEntryNotFound     = errors.New("entry point not found")
	ErrRuntimeClosed     = errors.New("sandbox runtime closed")
	ErrHostUnavailable   = errors.New("host service unavailable")
	ErrChecksumMismatch  = errors.New("module checksum mismatch")
	ErrManifestInvalid   = errors.New("module manifest invalid")
	ErrModuleNotFound    = errors.New("module not found")
	ErrManifestNotFound  = errors.New("module manifest not found")
	errMemoryLimitAbort  = errors.New("memory limit reached")
	errHostLimitAbort    = errors.New("host call budget exhausted")
	errNoSessionInScope  = errors.New("host function called outside an execution")
	errMemoryOutOfBounds = errors.New("guest memory access out of bounds")
)

// Failure kinds reported in a result's {kind, message} object.
const (
	KindInvalid       = "invalid"
	KindUnsupported   = "unsupported"
	KindInstantiation = "instantiation"
	KindTrapped       = "trapped"
	KindTimedOut      = "timed_out"
	KindLimitExceeded = "limit_exceeded"
	KindPathTraversal = "path_traversal"
	KindInvalidInput  = "invalid_input"
	KindNotFound      = "not_found"
	KindUnavailable   = "unavailable"
	KindIO            = "io"
	KindInternal      = "internal"
)

// Resource names a budget that can be exhausted.
type Resource string

// Budgets enforced per execution.
const (
	ResourceFuel      Resource = "fuel"
	ResourceMemory    Resource = "memory"
	ResourceHostCalls Resource = "host_calls"
)

// CompileError reports a module that could not be compiled.
type CompileError struct {
	// Kind is KindInvalid or KindUnsupported.
	Kind string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *CompileError) Unwrap() []error {
	if e.Kind == KindUnsupported {
		return []error{ErrUnsupported, e.Err}
	}
	return []error{ErrInvalidModule, e.Err}
}

// ExecutionError reports a terminal failure of a running instance.
type ExecutionError struct {
	// Kind is KindTrapped, KindTimedOut or KindLimitExceeded.
	Kind string

	// Resource is set for KindLimitExceeded.
	Resource Resource

	// Reason is the trap message for KindTrapped.
	Reason string

	Err error
}

func (e *ExecutionError) Error() string {
	switch e.Kind {
	case KindLimitExceeded:
		return fmt.Sprintf("%s limit exceeded", e.Resource)
	case KindTimedOut:
		return "execution timed out"
	default:
		return fmt.Sprintf("trapped: %s", e.Reason)
	}
}

// Unwrap exposes the kind sentinel and the cause.
func (e *ExecutionError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case KindLimitExceeded:
		sentinel = ErrLimitExceeded
	case KindTimedOut:
		sentinel = ErrTimedOut
	default:
		sentinel = ErrTrapped
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// SecurityError is returned to guest code when a host call argument is
// rejected.
type SecurityError struct {
	// Kind is KindPathTraversal or KindInvalidInput.
	Kind   string
	Detail string
}

func (e *SecurityError) Error() string {
	if e.Kind == KindPathTraversal {
		return fmt.Sprintf("%v: %s", ErrPathTraversal, e.Detail)
	}
	return fmt.Sprintf("%v: %s", ErrInvalidInput, e.Detail)
}

// Is matches the kind sentinel.
func (e *SecurityError) Is(target error) bool {
	if e.Kind == KindPathTraversal {
		return target == ErrPathTraversal
	}
	return target == ErrInvalidInput
}

func invalidInput(format string, args ...any) *SecurityError {
	return &SecurityError{Kind: KindInvalidInput, Detail: fmt.Sprintf(format, args...)}
}

func limitExceeded(r Resource) *ExecutionError {
	return &ExecutionError{Kind: KindLimitExceeded, Resource: r}
}

// Failure is the structured {kind, message} form of an error.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// kinded is implemented by collaborator errors that carry their own kind,
// such as bridge errors.
type kinded interface {
	ErrorKind() string
}

// FailureOf converts err into its structured form.
func FailureOf(err error) Failure {
	if err == nil {
		return Failure{}
	}

	var (
		ce *CompileError
		ee *ExecutionError
		se *SecurityError
		ke kinded
	)
	switch {
	case errors.As(err, &ce):
		return Failure{Kind: ce.Kind, Message: err.Error()}
	case errors.As(err, &ee):
		return Failure{Kind: ee.Kind, Message: err.Error()}
	case errors.As(err, &se):
		return Failure{Kind: se.Kind, Message: err.Error()}
	case errors.As(err, &ke):
		return Failure{Kind: ke.ErrorKind(), Message: err.Error()}
	case errors.Is(err, ErrInstantiation):
		return Failure{Kind: KindInstantiation, Message: err.Error()}
	case errors.Is(err, ErrEntryNotFound), errors.Is(err, ErrInvalidInput):
		return Failure{Kind: KindInvalidInput, Message: err.Error()}
	case errors.Is(err, ErrHostUnavailable):
		return Failure{Kind: KindUnavailable, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return Failure{Kind: KindTimedOut, Message: err.Error()}
	default:
		return Failure{Kind: KindInternal, Message: err.Error()}
	}
}
