package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Connection is one live session with an external service. A connection is
// used by one call at a time.
type Connection interface {
	Call(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error)
	Close() error
}

// Dialer opens connections for a service pool.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Connection, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Connection, error) { return f(ctx) }

// Handler implements one in-process operation.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// FuncService is an in-process service built from Go functions. Its
// connections are free to create and share the handler table.
type FuncService struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewFuncService creates an empty in-process service.
func NewFuncService() *FuncService {
	return &FuncService{handlers: make(map[string]Handler)}
}

// Handle registers h for operation.
func (s *FuncService) Handle(operation string, h Handler) *FuncService {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[operation] = h
	return s
}

// Operations lists the registered operations, sorted.
func (s *FuncService) Operations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for op := range s.handlers {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// Dial implements Dialer.
func (s *FuncService) Dial(context.Context) (Connection, error) {
	return funcConn{s}, nil
}

type funcConn struct{ s *FuncService }

func (c funcConn) Call(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error) {
	c.s.mu.RLock()
	h, ok := c.s.handlers[operation]
	c.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}
	return h(ctx, args)
}

func (funcConn) Close() error { return nil }
