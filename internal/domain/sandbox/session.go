package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/felixgeelhaar/statekit"
	"github.com/google/uuid"

	"github.com/felixgeelhaar/moat/internal/ports"
)

// Lifecycle events.
const (
	EventCompile      = "COMPILE"
	EventCompiled     = "COMPILED"
	EventInstantiated = "INSTANTIATED"
	EventComplete     = "COMPLETE"
	EventFail         = "FAIL"
	EventTimeout      = "TIMEOUT"
	EventExceed       = "EXCEED"
)

// lifecycleContext is the statekit context of one execution.
type lifecycleContext struct {
	SessionID string
}

// session is the mutable state of exactly one execution. Host functions
// reach it through the call context.
type session struct {
	id        string
	limits    ResourceLimits
	startedAt time.Time
	logger    ports.Logger
	guard     *pathGuard

	interp *statekit.Interpreter[lifecycleContext]
	abort  context.CancelCauseFunc

	mu        sync.Mutex
	hostCalls int
	exceeded  Resource
	response  []byte
}

func newSession(limits ResourceLimits, logger ports.Logger, fsys ports.FileSystem) (*session, error) {
	s := &session{
		id:        uuid.NewString(),
		limits:    limits.clone(),
		startedAt: time.Now(),
	}
	s.logger = logger.With(ports.F("session_id", s.id))
	s.guard = newPathGuard(fsys, s.limits.AllowedRoots)

	interp, err := buildLifecycle(s)
	if err != nil {
		return nil, err
	}
	s.interp = interp
	s.interp.Start()
	return s, nil
}

// buildLifecycle constructs the execution state machine. Terminal states have
// no outgoing transitions.
func buildLifecycle(s *session) (*statekit.Interpreter[lifecycleContext], error) {
	logEntry := func(state Status) func(*lifecycleContext, statekit.Event) {
		return func(_ *lifecycleContext, e statekit.Event) {
			s.logger.Debug(context.Background(), "execution state changed",
				ports.F("state", string(state)),
				ports.F("event", string(e.Type)),
			)
		}
	}

	machine, err := statekit.NewMachine[lifecycleContext]("moat-execution").
		WithInitial("created").
		WithContext(lifecycleContext{SessionID: s.id}).
		WithAction("enterCompiling", logEntry(StatusCompiling)).
		WithAction("enterInstantiating", logEntry(StatusInstantiating)).
		WithAction("enterRunning", logEntry(StatusRunning)).
		WithAction("enterCompleted", logEntry(StatusCompleted)).
		WithAction("enterFailed", logEntry(StatusFailed)).
		WithAction("enterTimedOut", logEntry(StatusTimedOut)).
		WithAction("enterLimitExceeded", logEntry(StatusLimitExceeded)).
		State("created").
		On(EventCompile).Target("compiling").Done().
		State("compiling").
		OnEntry("enterCompiling").
		On(EventCompiled).Target("instantiating").
		On(EventFail).Target("failed").
		On(EventTimeout).Target("timed_out").Done().
		State("instantiating").
		OnEntry("enterInstantiating").
		On(EventInstantiated).Target("running").
		On(EventFail).Target("failed").
		On(EventTimeout).Target("timed_out").
		On(EventExceed).Target("limit_exceeded").Done().
		State("running").
		OnEntry("enterRunning").
		On(EventComplete).Target("completed").
		On(EventFail).Target("failed").
		On(EventTimeout).Target("timed_out").
		On(EventExceed).Target("limit_exceeded").Done().
		State("completed").OnEntry("enterCompleted").Done().
		State("failed").OnEntry("enterFailed").Done().
		State("timed_out").OnEntry("enterTimedOut").Done().
		State("limit_exceeded").OnEntry("enterLimitExceeded").Done().
		Build()
	if err != nil {
		return nil, err
	}
	return statekit.NewInterpreter(machine), nil
}

func (s *session) send(event string) {
	s.interp.Send(statekit.Event{Type: statekit.EventType(event)})
}

// State returns the current lifecycle state.
func (s *session) State() Status {
	return Status(s.interp.State().Value)
}

func (s *session) stop() {
	s.interp.Stop()
}

// checkHostBudget aborts the execution once the host-call budget is spent.
func (s *session) checkHostBudget() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hostCalls >= s.limits.MaxHostCalls {
		s.exceedLocked(ResourceHostCalls, errHostLimitAbort)
		return limitExceeded(ResourceHostCalls)
	}
	return nil
}

// countHostCall charges one logical call. Bridge retries are not counted.
func (s *session) countHostCall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostCalls++
}

func (s *session) HostCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostCalls
}

// exceed records the first exhausted budget and cancels the instance.
func (s *session) exceed(r Resource, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exceedLocked(r, cause)
}

func (s *session) exceedLocked(r Resource, cause error) {
	if s.exceeded == "" {
		s.exceeded = r
	}
	if s.abort != nil {
		s.abort(cause)
	}
}

func (s *session) Exceeded() Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exceeded
}

func (s *session) setResponse(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response = payload
}

func (s *session) Response() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response
}

type sessionKey struct{}

func withSession(ctx context.Context, s *session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func sessionFrom(ctx context.Context) *session {
	s, _ := ctx.Value(sessionKey{}).(*session)
	return s
}
