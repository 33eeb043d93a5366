// Package sandbox executes untrusted WebAssembly modules under fixed
// resource limits. Every interaction with the outside world goes through the
// host functions exported by the "moat" module, which validate their input
// before reaching the external call bridge, the session state store or the
// host filesystem.
package sandbox

import (
	"fmt"
	"math"
	"path/filepath"
	"time"
)

const (
	wasmPageSize = 65536

	// maxAddressableMemory is the 32-bit linear memory ceiling.
	maxAddressableMemory = 65536 * wasmPageSize
)

// ResourceLimits bounds a single execution. A copy is taken when the
// execution starts, so later changes never affect a running instance.
type ResourceLimits struct {
	// MaxMemoryBytes caps linear memory, including growth.
	MaxMemoryBytes uint64

	// MaxFuel is the CPU budget in metering units.
	MaxFuel uint64

	// Timeout is the wall-clock budget.
	Timeout time.Duration

	// MaxHostCalls caps invoke_external calls.
	MaxHostCalls int

	// AllowedRoots are the directories file host functions may touch.
	AllowedRoots []string

	// MaxArgBytes caps the JSON arguments of one external call.
	MaxArgBytes int

	// MaxFileBytes caps one file read or write.
	MaxFileBytes int

	// MaxStateKeyBytes caps a state key.
	MaxStateKeyBytes int

	// MaxStateValueBytes caps a state value.
	MaxStateValueBytes int

	// MaxLogBytes is the length log messages are truncated to.
	MaxLogBytes int

	// MaxOutputBytes caps captured stdout and stderr each.
	MaxOutputBytes int
}

// DefaultLimits returns default resource limits.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryBytes:     64 * 1024 * 1024, // 64 MB
		MaxFuel:            1_000_000_000,
		Timeout:            10 * time.Second,
		MaxHostCalls:       64,
		MaxArgBytes:        64 * 1024,
		MaxFileBytes:       4 * 1024 * 1024,
		MaxStateKeyBytes:   256,
		MaxStateValueBytes: 1024 * 1024,
		MaxLogBytes:        4096,
		MaxOutputBytes:     1024 * 1024, // 1 MB
	}
}

// RestrictedLimits returns tighter limits for unknown modules.
func RestrictedLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryBytes:     16 * 1024 * 1024, // 16 MB
		MaxFuel:            100_000_000,
		Timeout:            2 * time.Second,
		MaxHostCalls:       8,
		MaxArgBytes:        8 * 1024,
		MaxFileBytes:       256 * 1024,
		MaxStateKeyBytes:   128,
		MaxStateValueBytes: 64 * 1024,
		MaxLogBytes:        1024,
		MaxOutputBytes:     256 * 1024, // 256 KB
	}
}

// Validate rejects zero, negative and unbounded limits.
func (l ResourceLimits) Validate() error {
	switch {
	case l.MaxMemoryBytes == 0 || l.MaxMemoryBytes > maxAddressableMemory:
		return fmt.Errorf("%w: max memory must be between 1 byte and 4 GiB", ErrInvalidLimits)
	case l.MaxFuel == 0 || l.MaxFuel > math.MaxInt64:
		return fmt.Errorf("%w: max fuel must be between 1 and %d", ErrInvalidLimits, int64(math.MaxInt64))
	case l.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidLimits)
	case l.MaxHostCalls <= 0:
		return fmt.Errorf("%w: max host calls must be positive", ErrInvalidLimits)
	case l.MaxArgBytes <= 0, l.MaxFileBytes <= 0, l.MaxStateKeyBytes <= 0,
		l.MaxStateValueBytes <= 0, l.MaxLogBytes <= 0, l.MaxOutputBytes <= 0:
		return fmt.Errorf("%w: size ceilings must be positive", ErrInvalidLimits)
	}
	for _, root := range l.AllowedRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("%w: allowed root %q is not absolute", ErrInvalidLimits, root)
		}
	}
	return nil
}

func (l ResourceLimits) clone() ResourceLimits {
	out := l
	out.AllowedRoots = append([]string(nil), l.AllowedRoots...)
	return out
}

// Request describes one execution.
type Request struct {
	// Module is the raw WebAssembly binary.
	Module []byte

	// Entry is the exported function to call.
	Entry string

	// Args are passed to Entry and must match its signature.
	Args []Value

	Limits ResourceLimits
}
