// Package state provides the per-session key/value store behind the
// get_state and set_state host functions. Every key is scoped to a session
// ID, so no session can observe another session's values.
package state

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrEmptySession is returned when a session ID is empty.
var ErrEmptySession = errors.New("session id is required")

// Store is a session-partitioned key/value store.
type Store interface {
	// Get returns the value of key in session and whether it exists.
	Get(ctx context.Context, session, key string) ([]byte, bool, error)

	// Set stores value under key in session.
	Set(ctx context.Context, session, key string, value []byte) error

	// Snapshot returns a copy of every key in session.
	Snapshot(ctx context.Context, session string) (map[string][]byte, error)

	// Purge deletes every key in session.
	Purge(ctx context.Context, session string) error
}

// compositeKey joins a session and key. Session IDs never contain NUL, so
// the encoding is unambiguous.
func compositeKey(session, key string) string {
	return session + "\x00" + key
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[string][]byte
	sessions map[string]map[string]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string][]byte),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, session, key string) ([]byte, bool, error) {
	if session == "" {
		return nil, false, ErrEmptySession
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[compositeKey(session, key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, session, key string, value []byte) error {
	if session == "" {
		return ErrEmptySession
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[compositeKey(session, key)] = append([]byte(nil), value...)
	keys, ok := s.sessions[session]
	if !ok {
		keys = make(map[string]struct{})
		s.sessions[session] = keys
	}
	keys[key] = struct{}{}
	return nil
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(_ context.Context, session string) (map[string][]byte, error) {
	if session == "" {
		return nil, ErrEmptySession
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte, len(s.sessions[session]))
	for key := range s.sessions[session] {
		out[key] = append([]byte(nil), s.values[compositeKey(session, key)]...)
	}
	return out, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context, session string) error {
	if session == "" {
		return ErrEmptySession
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.sessions[session] {
		delete(s.values, compositeKey(session, key))
	}
	delete(s.sessions, session)
	return nil
}

// Sessions returns the IDs of sessions that currently hold state.
func (s *MemoryStore) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
