package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/felixgeelhaar/moat/internal/domain/metering"
	"github.com/felixgeelhaar/moat/internal/domain/state"
	"github.com/felixgeelhaar/moat/internal/ports"
)

// HostModule is the import module name of the host interface.
const HostModule = "moat"

// WASIModule is the only other import module a guest may link against.
const WASIModule = "wasi_snapshot_preview1"

// Host call status codes, returned in the upper 32 bits of an i64 result.
// The lower 32 bits hold the length of the payload, which the guest copies
// out with response_read.
const (
	StatusOK       uint32 = 0
	StatusNotFound uint32 = 1
	StatusError    uint32 = 2
)

const maxNameBytes = 256

const (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// HostFunction describes one function of the host interface.
type HostFunction struct {
	// Name is the function name exported to WASM
	Name string

	Params  []api.ValueType
	Results []api.ValueType

	// Description for documentation
	Description string
}

// HostFunctions is the closed set of functions available to guests.
var HostFunctions = []HostFunction{
	{
		Name:        "invoke_external",
		Params:      []api.ValueType{i32, i32, i32, i32, i32, i32},
		Results:     []api.ValueType{i64},
		Description: "Invoke an operation on an external service with JSON arguments",
	},
	{
		Name:        "read_file",
		Params:      []api.ValueType{i32, i32},
		Results:     []api.ValueType{i64},
		Description: "Read a file under an allowed root",
	},
	{
		Name:        "write_file",
		Params:      []api.ValueType{i32, i32, i32, i32},
		Results:     []api.ValueType{i64},
		Description: "Write a file under an allowed root",
	},
	{
		Name:        "get_state",
		Params:      []api.ValueType{i32, i32},
		Results:     []api.ValueType{i64},
		Description: "Read a session state value",
	},
	{
		Name:        "set_state",
		Params:      []api.ValueType{i32, i32, i32, i32},
		Results:     []api.ValueType{i64},
		Description: "Write a session state value",
	},
	{
		Name:        "log",
		Params:      []api.ValueType{i32, i32, i32},
		Description: "Log a message at level 0 (debug) to 3 (error)",
	},
	{
		Name:        "response_read",
		Params:      []api.ValueType{i32, i32},
		Results:     []api.ValueType{i32},
		Description: "Copy the last host call payload into guest memory",
	},
	{
		Name:        "fuel_remaining",
		Results:     []api.ValueType{i64},
		Description: "Return the remaining fuel",
	},
}

// LookupHostFunction finds a host function by name.
func LookupHostFunction(name string) (HostFunction, bool) {
	for _, fn := range HostFunctions {
		if fn.Name == name {
			return fn, true
		}
	}
	return HostFunction{}, false
}

// Invoker is the external call bridge as seen by the host interface.
type Invoker interface {
	Invoke(ctx context.Context, service, operation string, args json.RawMessage) (json.RawMessage, error)
}

// hostError carries a failure kind for errors that have no typed form.
type hostError struct {
	kind string
	err  error
}

func (e *hostError) Error() string     { return e.err.Error() }
func (e *hostError) Unwrap() error     { return e.err }
func (e *hostError) ErrorKind() string { return e.kind }

// hostInterface implements the host functions. It holds collaborators only;
// per-execution state lives in the session found on the call context.
type hostInterface struct {
	bridge  Invoker
	store   state.Store
	fs      ports.FileSystem
	logger  ports.Logger
	metrics Recorder
}

// instantiate registers the host module on r.
func (h *hostInterface) instantiate(ctx context.Context, r wazero.Runtime) error {
	builder := r.NewHostModuleBuilder(HostModule)
	for _, fn := range HostFunctions {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(h.handler(fn.Name), fn.Params, fn.Results).
			WithName(fn.Name).
			Export(fn.Name)
	}
	_, err := builder.Instantiate(ctx)
	return err
}

func (h *hostInterface) handler(name string) api.GoModuleFunc {
	var impl func(ctx context.Context, s *session, m api.Module, stack []uint64)
	switch name {
	case "invoke_external":
		impl = h.invokeExternal
	case "read_file":
		impl = h.readFile
	case "write_file":
		impl = h.writeFile
	case "get_state":
		impl = h.getState
	case "set_state":
		impl = h.setState
	case "log":
		impl = h.log
	case "response_read":
		impl = h.responseRead
	case "fuel_remaining":
		impl = h.fuelRemaining
	default:
		panic(fmt.Sprintf("no handler for host function %q", name))
	}

	return func(ctx context.Context, m api.Module, stack []uint64) {
		s := sessionFrom(ctx)
		if s == nil {
			panic(errNoSessionInScope)
		}
		impl(ctx, s, m, stack)
	}
}

func (h *hostInterface) invokeExternal(ctx context.Context, s *session, m api.Module, stack []uint64) {
	if err := s.checkHostBudget(); err != nil {
		h.observe("invoke_external", KindLimitExceeded)
		panic(err)
	}

	argsLen := api.DecodeU32(stack[5])
	if int(argsLen) > s.limits.MaxArgBytes {
		stack[0] = h.fail(s, "invoke_external", invalidInput("arguments are %d bytes, limit is %d", argsLen, s.limits.MaxArgBytes))
		return
	}
	service, err := readName(m, stack[0], stack[1])
	if err != nil {
		stack[0] = h.fail(s, "invoke_external", err)
		return
	}
	operation, err := readName(m, stack[2], stack[3])
	if err != nil {
		stack[0] = h.fail(s, "invoke_external", err)
		return
	}
	args, err := readGuest(m, api.DecodeU32(stack[4]), argsLen)
	if err != nil {
		stack[0] = h.fail(s, "invoke_external", err)
		return
	}
	if len(args) == 0 {
		args = []byte("{}")
	}
	if !utf8.Valid(args) || !json.Valid(args) {
		stack[0] = h.fail(s, "invoke_external", invalidInput("arguments are not valid UTF-8 JSON"))
		return
	}

	s.countHostCall()
	if h.bridge == nil {
		stack[0] = h.fail(s, "invoke_external", ErrHostUnavailable)
		return
	}

	s.logger.Debug(ctx, "external call", ports.F("service", service), ports.F("operation", operation))
	out, err := h.bridge.Invoke(ctx, service, operation, args)
	if err != nil {
		stack[0] = h.fail(s, "invoke_external", err)
		return
	}
	stack[0] = h.ok(s, "invoke_external", out)
}

func (h *hostInterface) readFile(_ context.Context, s *session, m api.Module, stack []uint64) {
	path, err := readPath(m, stack[0], stack[1])
	if err != nil {
		stack[0] = h.fail(s, "read_file", err)
		return
	}
	resolved, err := s.guard.Resolve(path)
	if err != nil {
		stack[0] = h.fail(s, "read_file", err)
		return
	}
	if h.fs == nil {
		stack[0] = h.fail(s, "read_file", ErrHostUnavailable)
		return
	}

	info, err := h.fs.Stat(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		stack[0] = h.notFound(s, "read_file")
		return
	case err != nil:
		stack[0] = h.fail(s, "read_file", &hostError{kind: KindIO, err: err})
		return
	case info.IsDir:
		stack[0] = h.fail(s, "read_file", invalidInput("%s is a directory", path))
		return
	case info.Size > int64(s.limits.MaxFileBytes):
		stack[0] = h.fail(s, "read_file", invalidInput("file is %d bytes, limit is %d", info.Size, s.limits.MaxFileBytes))
		return
	}

	data, err := h.fs.ReadFile(resolved, int64(s.limits.MaxFileBytes))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		stack[0] = h.notFound(s, "read_file")
	case errors.Is(err, ports.ErrTooLarge):
		stack[0] = h.fail(s, "read_file", invalidInput("file grew past the %d byte limit", s.limits.MaxFileBytes))
	case err != nil:
		stack[0] = h.fail(s, "read_file", &hostError{kind: KindIO, err: err})
	default:
		stack[0] = h.ok(s, "read_file", data)
	}
}

func (h *hostInterface) writeFile(_ context.Context, s *session, m api.Module, stack []uint64) {
	dataLen := api.DecodeU32(stack[3])
	if int(dataLen) > s.limits.MaxFileBytes {
		stack[0] = h.fail(s, "write_file", invalidInput("data is %d bytes, limit is %d", dataLen, s.limits.MaxFileBytes))
		return
	}
	path, err := readPath(m, stack[0], stack[1])
	if err != nil {
		stack[0] = h.fail(s, "write_file", err)
		return
	}
	resolved, err := s.guard.Resolve(path)
	if err != nil {
		stack[0] = h.fail(s, "write_file", err)
		return
	}
	data, err := readGuest(m, api.DecodeU32(stack[2]), dataLen)
	if err != nil {
		stack[0] = h.fail(s, "write_file", err)
		return
	}
	if h.fs == nil {
		stack[0] = h.fail(s, "write_file", ErrHostUnavailable)
		return
	}
	err = h.fs.WriteFile(resolved, data)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		stack[0] = h.notFound(s, "write_file")
		return
	case err != nil:
		stack[0] = h.fail(s, "write_file", &hostError{kind: KindIO, err: err})
		return
	}
	stack[0] = h.ok(s, "write_file", nil)
}

func (h *hostInterface) getState(ctx context.Context, s *session, m api.Module, stack []uint64) {
	key, err := readKey(s, m, stack[0], stack[1])
	if err != nil {
		stack[0] = h.fail(s, "get_state", err)
		return
	}
	value, ok, err := h.store.Get(ctx, s.id, key)
	switch {
	case err != nil:
		stack[0] = h.fail(s, "get_state", &hostError{kind: KindIO, err: err})
	case !ok:
		stack[0] = h.notFound(s, "get_state")
	default:
		stack[0] = h.ok(s, "get_state", value)
	}
}

func (h *hostInterface) setState(ctx context.Context, s *session, m api.Module, stack []uint64) {
	valueLen := api.DecodeU32(stack[3])
	if int(valueLen) > s.limits.MaxStateValueBytes {
		stack[0] = h.fail(s, "set_state", invalidInput("value is %d bytes, limit is %d", valueLen, s.limits.MaxStateValueBytes))
		return
	}
	key, err := readKey(s, m, stack[0], stack[1])
	if err != nil {
		stack[0] = h.fail(s, "set_state", err)
		return
	}
	value, err := readGuest(m, api.DecodeU32(stack[2]), valueLen)
	if err != nil {
		stack[0] = h.fail(s, "set_state", err)
		return
	}
	if err := h.store.Set(ctx, s.id, key, value); err != nil {
		stack[0] = h.fail(s, "set_state", &hostError{kind: KindIO, err: err})
		return
	}
	stack[0] = h.ok(s, "set_state", nil)
}

// log never fails the execution. Oversized messages are truncated and
// unreadable ones dropped.
func (h *hostInterface) log(ctx context.Context, s *session, m api.Module, stack []uint64) {
	length := min(api.DecodeU32(stack[2]), uint32(s.limits.MaxLogBytes))
	msg, err := readGuest(m, api.DecodeU32(stack[1]), length)
	if err != nil {
		return
	}
	logger := s.logger.With(ports.F("source", "guest"))
	switch api.DecodeU32(stack[0]) {
	case 0:
		logger.Debug(ctx, string(msg))
	case 1:
		logger.Info(ctx, string(msg))
	case 2:
		logger.Warn(ctx, string(msg))
	default:
		logger.Error(ctx, string(msg))
	}
	h.observe("log", "ok")
}

// responseRead copies up to len bytes of the last payload and returns the
// count, or -1 when the destination is out of bounds.
func (h *hostInterface) responseRead(_ context.Context, s *session, m api.Module, stack []uint64) {
	payload := s.Response()
	n := min(int(api.DecodeU32(stack[1])), len(payload))
	mem := m.Memory()
	if mem == nil || !mem.Write(api.DecodeU32(stack[0]), payload[:n]) {
		stack[0] = api.EncodeI32(-1)
		return
	}
	stack[0] = api.EncodeI32(int32(n))
}

func (h *hostInterface) fuelRemaining(_ context.Context, _ *session, m api.Module, stack []uint64) {
	g := m.ExportedGlobal(metering.FuelExport)
	if g == nil {
		stack[0] = 0
		return
	}
	stack[0] = g.Get()
}

func (h *hostInterface) ok(s *session, fn string, payload []byte) uint64 {
	h.observe(fn, "ok")
	return respond(s, StatusOK, payload)
}

func (h *hostInterface) notFound(s *session, fn string) uint64 {
	h.observe(fn, KindNotFound)
	return respond(s, StatusNotFound, nil)
}

// fail returns err to the guest as a {kind, message} payload.
func (h *hostInterface) fail(s *session, fn string, err error) uint64 {
	failure := FailureOf(err)
	h.observe(fn, failure.Kind)
	s.logger.Debug(context.Background(), "host call rejected",
		ports.F("function", fn),
		ports.F("kind", failure.Kind),
		ports.Err(err),
	)
	payload, _ := json.Marshal(failure)
	return respond(s, StatusError, payload)
}

func (h *hostInterface) observe(fn, outcome string) {
	if h.metrics != nil {
		h.metrics.ObserveHostCall(fn, outcome)
	}
}

func respond(s *session, status uint32, payload []byte) uint64 {
	s.setResponse(payload)
	return uint64(status)<<32 | uint64(uint32(len(payload)))
}

// readGuest copies length bytes out of guest memory.
func readGuest(m api.Module, ptr, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	mem := m.Memory()
	if mem == nil {
		return nil, invalidInput("module has no memory")
	}
	view, ok := mem.Read(ptr, length)
	if !ok {
		return nil, invalidInput("%v", errMemoryOutOfBounds)
	}
	return append([]byte(nil), view...), nil
}

func readName(m api.Module, ptr, length uint64) (string, error) {
	n := api.DecodeU32(length)
	if n == 0 || n > maxNameBytes {
		return "", invalidInput("service and operation names must be 1 to %d bytes", maxNameBytes)
	}
	b, err := readGuest(m, api.DecodeU32(ptr), n)
	return string(b), err
}

func readPath(m api.Module, ptr, length uint64) (string, error) {
	n := api.DecodeU32(length)
	if n == 0 || n > 4096 {
		return "", invalidInput("path must be 1 to 4096 bytes")
	}
	b, err := readGuest(m, api.DecodeU32(ptr), n)
	return string(b), err
}

func readKey(s *session, m api.Module, ptr, length uint64) (string, error) {
	n := api.DecodeU32(length)
	if n == 0 || int(n) > s.limits.MaxStateKeyBytes {
		return "", invalidInput("state key must be 1 to %d bytes", s.limits.MaxStateKeyBytes)
	}
	b, err := readGuest(m, api.DecodeU32(ptr), n)
	return string(b), err
}
