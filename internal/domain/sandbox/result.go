package sandbox

import "time"

// Status is an execution lifecycle state.
type Status string

// Lifecycle states. The last four are terminal.
const (
	StatusCreated       Status = "created"
	StatusCompiling     Status = "compiling"
	StatusInstantiating Status = "instantiating"
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusTimedOut      Status = "timed_out"
	StatusLimitExceeded Status = "limit_exceeded"
)

// Terminal reports whether s ends an execution.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusLimitExceeded:
		return true
	default:
		return false
	}
}

// ExecutionResult is the single structured outcome of an execution.
type ExecutionResult struct {
	SessionID string `json:"session_id"`
	Status    Status `json:"status"`

	// Values are the entry point's return values on completion.
	Values []Value `json:"values,omitempty"`

	// ExitCode is set when the module exited through WASI proc_exit.
	ExitCode *uint32 `json:"exit_code,omitempty"`

	// Error is the terminal error for every status but Completed.
	Error error `json:"-"`

	// Failure is the structured form of Error.
	Failure *Failure `json:"error,omitempty"`

	// Resource is the exhausted budget for StatusLimitExceeded.
	Resource Resource `json:"resource,omitempty"`

	FuelConsumed    uint64        `json:"fuel_consumed"`
	HostCalls       int           `json:"host_calls"`
	PeakMemoryBytes uint64        `json:"peak_memory_bytes"`
	Duration        time.Duration `json:"duration_ns"`
	CacheHit        bool          `json:"cache_hit"`

	Stdout []byte `json:"-"`
	Stderr []byte `json:"-"`

	// State is the session state committed before the terminal transition.
	State map[string][]byte `json:"-"`
}

// Success reports whether the execution completed.
func (r *ExecutionResult) Success() bool {
	return r.Status == StatusCompleted
}
