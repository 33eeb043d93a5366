package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Failure kinds reported by the bridge. They surface to guests verbatim in
// host call error payloads.
const (
	KindPoolExhausted  = "pool_exhausted"
	KindRateLimited    = "rate_limited"
	KindUpstream       = "upstream"
	KindTimeout        = "timeout"
	KindUnknownService = "unknown_service"
	KindInvalidArgs    = "invalid_input"
	KindClosed         = "unavailable"
)

// Sentinel errors, matched by the Kind of an *Error.
var (
	ErrPoolExhausted        = errors.New("connection pool exhausted")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrUpstream             = errors.New("upstream call failed")
	ErrTimeout              = errors.New("external call timed out")
	ErrUnknownService       = errors.New("unknown service")
	ErrUnknownOperation     = errors.New("unknown operation")
	ErrInvalidArgs          = errors.New("invalid arguments")
	ErrClosed               = errors.New("bridge is closed")
	ErrMutatingCacheable    = errors.New("mutating operation cannot be cacheable")
	ErrServiceMisconfigured = errors.New("service misconfigured")
)

// Error is the failure of one Invoke.
type Error struct {
	Kind      string
	Service   string
	Operation string

	// Transient is set for upstream failures that exhausted their retries.
	Transient bool

	Err error
}

func (e *Error) Error() string {
	what := e.Kind
	if e.Kind == KindUpstream {
		what = "upstream (permanent)"
		if e.Transient {
			what = "upstream (transient)"
		}
	}
	if e.Err == nil {
		return fmt.Sprintf("%s/%s: %s", e.Service, e.Operation, what)
	}
	return fmt.Sprintf("%s/%s: %s: %v", e.Service, e.Operation, what, e.Err)
}

// ErrorKind reports the failure kind.
func (e *Error) ErrorKind() string { return e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindPoolExhausted:
		return target == ErrPoolExhausted
	case KindRateLimited:
		return target == ErrRateLimited
	case KindUpstream:
		return target == ErrUpstream
	case KindTimeout:
		return target == ErrTimeout
	case KindUnknownService:
		return target == ErrUnknownService
	case KindInvalidArgs:
		return target == ErrInvalidArgs
	case KindClosed:
		return target == ErrClosed
	}
	return false
}

// transientError marks an error as retryable.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as a retryable upstream failure. Connections use it
// for failures the classifier cannot recognise on its own.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is worth retrying: explicit Transient
// errors, network timeouts and resets, and broken streams. Anything else is
// permanent, so unknown failures are never repeated against a service.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, net.ErrClosed):
		return true
	}
	return false
}

func isContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
