package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/felixgeelhaar/moat/internal/adapters/logging"
	"github.com/felixgeelhaar/moat/internal/domain/metering"
	"github.com/felixgeelhaar/moat/internal/domain/modcache"
	"github.com/felixgeelhaar/moat/internal/domain/state"
	"github.com/felixgeelhaar/moat/internal/ports"
)

// Recorder receives execution metrics.
type Recorder interface {
	ObserveExecution(status Status, duration time.Duration, fuel uint64)
	ObserveHostCall(function, outcome string)
}

// Option configures a Runtime.
type Option func(*options)

type options struct {
	cache   modcache.Config
	bridge  Invoker
	store   state.Store
	fs      ports.FileSystem
	logger  ports.Logger
	metrics Recorder
}

// WithCacheConfig sets the compiled module cache budget.
func WithCacheConfig(cfg modcache.Config) Option {
	return func(o *options) { o.cache = cfg }
}

// WithBridge sets the external call bridge used by invoke_external.
func WithBridge(b Invoker) Option {
	return func(o *options) { o.bridge = b }
}

// WithStateStore sets the session state store. The default is in-memory.
func WithStateStore(s state.Store) Option {
	return func(o *options) { o.store = s }
}

// WithFileSystem sets the filesystem behind read_file and write_file.
// Without one, file host functions report the service as unavailable.
func WithFileSystem(fs ports.FileSystem) Option {
	return func(o *options) { o.fs = fs }
}

// WithLogger sets the logger.
func WithLogger(l ports.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Recorder) Option {
	return func(o *options) { o.metrics = m }
}

// Runtime executes modules. One Runtime is shared by any number of
// concurrent executions; each execution gets its own instance and session.
type Runtime struct {
	runtime wazero.Runtime
	cache   *modcache.Cache[*compiledModule]
	host    *hostInterface
	logger  ports.Logger
	metrics Recorder

	mu     sync.RWMutex
	closed bool
}

// New creates a Runtime with WASI and the host module instantiated.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	o := options{
		cache:  modcache.DefaultConfig(),
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = state.NewMemoryStore()
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true)
	wr := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, wr); err != nil {
		_ = wr.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	r := &Runtime{
		runtime: wr,
		logger:  o.logger,
		metrics: o.metrics,
		host: &hostInterface{
			bridge:  o.bridge,
			store:   o.store,
			fs:      o.fs,
			logger:  o.logger,
			metrics: o.metrics,
		},
	}
	if err := r.host.instantiate(ctx, wr); err != nil {
		_ = wr.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	cache, err := modcache.New(o.cache, r.compile, modcache.WithLogger(o.logger))
	if err != nil {
		_ = wr.Close(ctx)
		return nil, err
	}
	r.cache = cache
	return r, nil
}

// Execute runs req.Entry of req.Module under req.Limits. Every terminal
// state yields a result; an error is returned only for a malformed request
// or a closed runtime.
func (r *Runtime) Execute(ctx context.Context, req Request) (*ExecutionResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrRuntimeClosed
	}
	if err := req.Limits.Validate(); err != nil {
		return nil, err
	}
	if req.Entry == "" {
		return nil, fmt.Errorf("%w: entry point is required", ErrInvalidInput)
	}

	sess, err := newSession(req.Limits, r.logger, r.host.fs)
	if err != nil {
		return nil, fmt.Errorf("failed to build execution lifecycle: %w", err)
	}
	defer sess.stop()

	ctx, cancelTimeout := context.WithTimeout(ctx, sess.limits.Timeout)
	defer cancelTimeout()
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	sess.abort = abort

	res := &ExecutionResult{SessionID: sess.id}
	r.run(ctx, sess, req, res)

	res.HostCalls = sess.HostCalls()
	res.Duration = time.Since(sess.startedAt)
	if res.Error != nil {
		f := FailureOf(res.Error)
		res.Failure = &f
	}
	r.collectState(ctx, sess, res)

	if sess.logger.Enabled(ports.LevelInfo) {
		fields := []ports.Field{
			ports.F("status", string(res.Status)),
			ports.F("fuel", res.FuelConsumed),
			ports.F("host_calls", res.HostCalls),
			ports.F("duration", res.Duration.String()),
		}
		if res.Error != nil {
			fields = append(fields, ports.Err(res.Error))
		}
		sess.logger.Info(ctx, "execution finished", fields...)
	}
	if r.metrics != nil {
		r.metrics.ObserveExecution(res.Status, res.Duration, res.FuelConsumed)
	}
	return res, nil
}

func (r *Runtime) run(ctx context.Context, sess *session, req Request, res *ExecutionResult) {
	sess.send(EventCompile)
	handle, err := r.cache.GetOrCompile(ctx, req.Module)
	if err != nil {
		var ce *CompileError
		if !errors.As(err, &ce) && ctx.Err() != nil {
			r.finish(sess, res, StatusTimedOut, &ExecutionError{Kind: KindTimedOut, Err: err})
			return
		}
		r.finish(sess, res, StatusFailed, err)
		return
	}
	defer handle.Release()
	res.CacheHit = handle.Hit()
	compiled := handle.Artifact()
	sess.send(EventCompiled)

	if need := uint64(compiled.info.MinMemoryPages) * wasmPageSize; need > sess.limits.MaxMemoryBytes {
		r.finish(sess, res, StatusLimitExceeded, &ExecutionError{
			Kind:     KindLimitExceeded,
			Resource: ResourceMemory,
			Err:      fmt.Errorf("module declares %d bytes of initial memory", need),
		})
		return
	}

	initial := uint64(compiled.info.MinMemoryPages) * wasmPageSize
	limiter := newMemoryLimiter(sess.limits.MaxMemoryBytes, initial, func() {
		sess.exceed(ResourceMemory, errMemoryLimitAbort)
	})
	stdout := &cappedBuffer{limit: sess.limits.MaxOutputBytes}
	stderr := &cappedBuffer{limit: sess.limits.MaxOutputBytes}
	defer func() {
		res.PeakMemoryBytes = limiter.Peak()
		res.Stdout = stdout.Bytes()
		res.Stderr = stderr.Bytes()
	}()

	callCtx := withSession(experimental.WithMemoryAllocator(ctx, limiter), sess)
	modCfg := wazero.NewModuleConfig().
		WithName(sess.id).
		WithStartFunctions().
		WithStdout(stdout).
		WithStderr(stderr)

	instance, err := r.runtime.InstantiateModule(callCtx, compiled.module, modCfg)
	if err != nil {
		status, cause := r.outcome(ctx, sess, 0, fmt.Errorf("%w: %w", ErrInstantiation, err))
		r.finish(sess, res, status, cause)
		return
	}
	defer func() { _ = instance.Close(context.Background()) }()

	fuel, ok := instance.ExportedGlobal(metering.FuelExport).(api.MutableGlobal)
	if !ok {
		r.finish(sess, res, StatusFailed, fmt.Errorf("%w: fuel counter missing", ErrInstantiation))
		return
	}
	fuel.Set(sess.limits.MaxFuel)
	sess.send(EventInstantiated)

	var results []uint64
	err = nil
	if compiled.info.HasStart {
		_, err = instance.ExportedFunction(metering.StartExport).Call(callCtx)
	}
	if err == nil {
		results, err = r.callEntry(callCtx, instance, req)
		if errors.Is(err, ErrEntryNotFound) || errors.Is(err, ErrInvalidInput) {
			r.finish(sess, res, StatusFailed, err)
			return
		}
	}

	remaining := int64(fuel.Get())
	res.FuelConsumed = sess.limits.MaxFuel
	if remaining >= 0 {
		res.FuelConsumed = sess.limits.MaxFuel - uint64(remaining)
	}

	status, cause := r.outcome(ctx, sess, remaining, err)
	if status == StatusCompleted {
		var exit *sys.ExitError
		if errors.As(err, &exit) {
			code := exit.ExitCode()
			res.ExitCode = &code
		} else {
			defs := instance.ExportedFunction(req.Entry).Definition().ResultTypes()
			for i, raw := range results {
				res.Values = append(res.Values, valueFromAPI(defs[i], raw))
			}
		}
	}
	r.finish(sess, res, status, cause)
}

func (r *Runtime) callEntry(ctx context.Context, instance api.Module, req Request) ([]uint64, error) {
	if req.Entry == metering.StartExport {
		return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, req.Entry)
	}
	fn := instance.ExportedFunction(req.Entry)
	if fn == nil {
		return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, req.Entry)
	}
	params, err := encodeArgs(fn.Definition().ParamTypes(), req.Args)
	if err != nil {
		return nil, err
	}
	return fn.Call(ctx, params...)
}

// outcome classifies how a run ended. Budget violations take precedence
// over whatever error the abort itself produced.
func (r *Runtime) outcome(ctx context.Context, sess *session, fuelRemaining int64, err error) (Status, error) {
	if res := sess.Exceeded(); res != "" {
		return StatusLimitExceeded, &ExecutionError{Kind: KindLimitExceeded, Resource: res, Err: err}
	}
	if err != nil && fuelRemaining < 0 {
		return StatusLimitExceeded, &ExecutionError{Kind: KindLimitExceeded, Resource: ResourceFuel, Err: err}
	}
	// A host call that outlives the deadline hands the guest an error payload,
	// and the guest may still return normally.
	if ctx.Err() != nil {
		if err == nil {
			err = context.Cause(ctx)
		}
		return StatusTimedOut, &ExecutionError{Kind: KindTimedOut, Err: err}
	}
	if err == nil {
		return StatusCompleted, nil
	}

	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			return StatusTimedOut, &ExecutionError{Kind: KindTimedOut, Err: err}
		default:
			return StatusCompleted, nil
		}
	}
	if errors.Is(err, ErrInstantiation) {
		return StatusFailed, err
	}
	return StatusFailed, &ExecutionError{Kind: KindTrapped, Reason: trapReason(err), Err: err}
}

func (r *Runtime) finish(sess *session, res *ExecutionResult, status Status, err error) {
	res.Status = status
	res.Error = err

	var ee *ExecutionError
	if errors.As(err, &ee) && ee.Kind == KindLimitExceeded {
		res.Resource = ee.Resource
	}

	switch status {
	case StatusCompleted:
		sess.send(EventComplete)
	case StatusTimedOut:
		sess.send(EventTimeout)
	case StatusLimitExceeded:
		sess.send(EventExceed)
	default:
		sess.send(EventFail)
	}
}

// collectState snapshots the session's committed state and purges it.
func (r *Runtime) collectState(ctx context.Context, sess *session, res *ExecutionResult) {
	bg := context.WithoutCancel(ctx)
	snapshot, err := r.host.store.Snapshot(bg, sess.id)
	if err != nil {
		sess.logger.Warn(bg, "failed to snapshot session state", ports.Err(err))
	} else if len(snapshot) > 0 {
		res.State = snapshot
	}
	if err := r.host.store.Purge(bg, sess.id); err != nil {
		sess.logger.Warn(bg, "failed to purge session state", ports.Err(err))
	}
}

func trapReason(err error) string {
	msg, _, _ := strings.Cut(err.Error(), "\n")
	return strings.TrimPrefix(msg, "wasm error: ")
}

// ModuleInfo describes a compiled module.
type ModuleInfo struct {
	Hash           string         `json:"hash"`
	Exports        []FunctionInfo `json:"exports"`
	Imports        []string       `json:"imports"`
	MinMemoryPages uint32         `json:"min_memory_pages"`
	MaxMemoryPages uint32         `json:"max_memory_pages,omitempty"`
	MeteringSites  int            `json:"metering_sites"`
	CacheHit       bool           `json:"cache_hit"`
}

// FunctionInfo is an exported function signature.
type FunctionInfo struct {
	Name    string      `json:"name"`
	Params  []ValueType `json:"params"`
	Results []ValueType `json:"results"`
}

// Validate compiles code through the cache without running it.
func (r *Runtime) Validate(ctx context.Context, code []byte) (*ModuleInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrRuntimeClosed
	}

	handle, err := r.cache.GetOrCompile(ctx, code)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	compiled := handle.Artifact()
	info := &ModuleInfo{
		Hash:           handle.Key().String(),
		MinMemoryPages: compiled.info.MinMemoryPages,
		MaxMemoryPages: compiled.info.MaxMemoryPages,
		MeteringSites:  compiled.info.Sites,
		CacheHit:       handle.Hit(),
	}
	for name, def := range compiled.module.ExportedFunctions() {
		if name == metering.StartExport {
			continue
		}
		info.Exports = append(info.Exports, FunctionInfo{
			Name:    name,
			Params:  valueTypes(def.ParamTypes()),
			Results: valueTypes(def.ResultTypes()),
		})
	}
	sort.Slice(info.Exports, func(i, j int) bool { return info.Exports[i].Name < info.Exports[j].Name })
	for _, def := range compiled.module.ImportedFunctions() {
		module, name, _ := def.Import()
		info.Imports = append(info.Imports, module+"."+name)
	}
	sort.Strings(info.Imports)
	return info, nil
}

func valueTypes(types []api.ValueType) []ValueType {
	out := make([]ValueType, len(types))
	for i, t := range types {
		out[i] = ValueType(api.ValueTypeName(t))
	}
	return out
}

// Stats returns compiled module cache statistics.
func (r *Runtime) Stats() modcache.Stats {
	return r.cache.Stats()
}

// Close waits for in-flight executions, then releases the cache and the
// underlying wazero runtime.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.cache.Close()
	return r.runtime.Close(ctx)
}

// cappedBuffer keeps the first limit bytes written and silently drops the
// rest so guest output can never grow without bound.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return nil
	}
	return append([]byte(nil), b.buf.Bytes()...)
}
