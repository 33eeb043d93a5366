package sandbox

import (
	"sync"

	"github.com/tetratelabs/wazero/experimental"
)

// memoryLimiter is a per-instance allocator that refuses to back linear
// memory beyond limit bytes. A refused growth calls onExceed once.
type memoryLimiter struct {
	limit    uint64
	initial  uint64
	onExceed func()

	mu       sync.Mutex
	peak     uint64
	exceeded bool
}

var _ experimental.MemoryAllocator = (*memoryLimiter)(nil)

// newMemoryLimiter reserves initial bytes up front, the module's declared
// minimum, and grows on demand toward limit.
func newMemoryLimiter(limit, initial uint64, onExceed func()) *memoryLimiter {
	return &memoryLimiter{limit: limit, initial: initial, onExceed: onExceed}
}

// Allocate implements experimental.MemoryAllocator.
func (l *memoryLimiter) Allocate(capacity, _ uint64) experimental.LinearMemory {
	return &limitedMemory{limiter: l, buf: make([]byte, 0, min(capacity, l.initial, l.limit))}
}

// Peak returns the largest size ever backed.
func (l *memoryLimiter) Peak() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak
}

// Exceeded reports whether a growth was refused.
func (l *memoryLimiter) Exceeded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exceeded
}

func (l *memoryLimiter) admit(size uint64) bool {
	l.mu.Lock()
	if size > l.limit {
		first := !l.exceeded
		l.exceeded = true
		l.mu.Unlock()
		if first && l.onExceed != nil {
			l.onExceed()
		}
		return false
	}
	l.peak = max(l.peak, size)
	l.mu.Unlock()
	return true
}

type limitedMemory struct {
	limiter *memoryLimiter
	buf     []byte
}

// Reallocate implements experimental.LinearMemory. Returning nil makes
// memory.grow fail inside the guest.
func (m *limitedMemory) Reallocate(size uint64) []byte {
	if !m.limiter.admit(size) {
		return nil
	}
	if size <= uint64(cap(m.buf)) {
		m.buf = m.buf[:size]
		return m.buf
	}
	grown := make([]byte, size, min(max(size, 2*uint64(cap(m.buf))), m.limiter.limit))
	copy(grown, m.buf)
	m.buf = grown
	return m.buf
}

// Free implements experimental.LinearMemory.
func (m *limitedMemory) Free() {
	m.buf = nil
}
