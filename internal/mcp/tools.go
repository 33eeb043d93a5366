// Package mcp exposes the sandbox runtime as MCP (Model Context Protocol)
// tools.
package mcp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/mcp-go"

	"github.com/felixgeelhaar/moat/internal/domain/bridge"
	"github.com/felixgeelhaar/moat/internal/domain/sandbox"
	"github.com/felixgeelhaar/moat/internal/ports"
)

// ExecuteInput is the input for the moat_execute tool. Exactly one of
// Module, ModulePath and PackageDir must be set.
type ExecuteInput struct {
	Module     string   `json:"module,omitempty" jsonschema:"description=Base64-encoded WebAssembly binary"`
	ModulePath string   `json:"module_path,omitempty" jsonschema:"description=Path to a .wasm file"`
	PackageDir string   `json:"package_dir,omitempty" jsonschema:"description=Directory containing a module.yaml manifest"`
	Entry      string   `json:"entry,omitempty" jsonschema:"description=Exported function to call (default: main or the manifest entry)"`
	Args       []string `json:"args,omitempty" jsonschema:"description=Typed arguments such as i32:10 or f64:0.5"`

	// Limit overrides can only tighten the server limits.
	TimeoutMS      int64  `json:"timeout_ms,omitempty" jsonschema:"description=Wall-clock budget in milliseconds"`
	MaxFuel        uint64 `json:"max_fuel,omitempty" jsonschema:"description=CPU budget in metering units"`
	MaxMemoryBytes uint64 `json:"max_memory_bytes,omitempty" jsonschema:"description=Linear memory ceiling in bytes"`
	MaxHostCalls   int    `json:"max_host_calls,omitempty" jsonschema:"description=Maximum invoke_external calls"`
}

// ExecuteOutput is the output for the moat_execute tool.
type ExecuteOutput struct {
	SessionID       string            `json:"session_id"`
	Status          string            `json:"status"`
	Results         []string          `json:"results,omitempty"`
	Error           *sandbox.Failure  `json:"error,omitempty"`
	Resource        string            `json:"resource,omitempty"`
	ExitCode        *uint32           `json:"exit_code,omitempty"`
	FuelConsumed    uint64            `json:"fuel_consumed"`
	HostCalls       int               `json:"host_calls"`
	PeakMemoryBytes uint64            `json:"peak_memory_bytes"`
	Duration        string            `json:"duration"`
	CacheHit        bool              `json:"cache_hit"`
	Stdout          string            `json:"stdout,omitempty"`
	Stderr          string            `json:"stderr,omitempty"`
	State           map[string]string `json:"state,omitempty"`
}

// ValidateInput is the input for the moat_validate tool.
type ValidateInput struct {
	Module     string `json:"module,omitempty" jsonschema:"description=Base64-encoded WebAssembly binary"`
	ModulePath string `json:"module_path,omitempty" jsonschema:"description=Path to a .wasm file"`
	PackageDir string `json:"package_dir,omitempty" jsonschema:"description=Directory containing a module.yaml manifest"`
}

// ValidateOutput is the output for the moat_validate tool.
type ValidateOutput struct {
	Valid  bool                `json:"valid"`
	Error  *sandbox.Failure    `json:"error,omitempty"`
	Module *sandbox.ModuleInfo `json:"module,omitempty"`
}

// StatsInput is the input for the moat_stats tool.
type StatsInput struct {
	IncludeServices bool `json:"include_services,omitempty" jsonschema:"description=List services and their operation policies"`
}

// StatsOutput is the output for the moat_stats tool.
type StatsOutput struct {
	Version     string        `json:"version"`
	ModuleCache CacheStats    `json:"module_cache"`
	Bridge      *bridge.Stats `json:"bridge,omitempty"`
	Services    []ServiceInfo `json:"services,omitempty"`
}

// CacheStats describes the compiled module cache.
type CacheStats struct {
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Compilations uint64 `json:"compilations"`
	Evictions    uint64 `json:"evictions"`
	Entries      int    `json:"entries"`
	Bytes        int64  `json:"bytes"`
}

// ServiceInfo describes one external service.
type ServiceInfo struct {
	Name       string          `json:"name"`
	Operations []OperationInfo `json:"operations"`
}

// OperationInfo describes one operation policy.
type OperationInfo struct {
	Name      string `json:"name"`
	Cacheable bool   `json:"cacheable"`
	Mutating  bool   `json:"mutating"`
}

// VersionInfo contains version metadata for the MCP server.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// Deps are the collaborators behind the tools.
type Deps struct {
	Runtime *sandbox.Runtime

	// Bridge is optional; without it moat_stats omits bridge counters.
	Bridge *bridge.Bridge

	// Limits are the server limits. Callers may only tighten them.
	Limits sandbox.ResourceLimits

	// FS reads module_path and package_dir sources.
	FS ports.FileSystem

	Logger  ports.Logger
	Version VersionInfo
}

// RegisterAll registers all MCP tools with the server.
func RegisterAll(srv *mcp.Server, deps Deps) {
	registerExecuteTool(srv, deps)
	registerValidateTool(srv, deps)
	registerStatsTool(srv, deps)
}

func registerExecuteTool(srv *mcp.Server, deps Deps) {
	srv.Tool("moat_execute").
		Description("Run an exported function of a WebAssembly module in the sandbox and return its results, resource usage and session state.").
		Destructive().
		Handler(func(ctx context.Context, in ExecuteInput) (*ExecuteOutput, error) {
			if err := ValidateExecuteInput(&in); err != nil {
				return nil, err
			}

			src, err := loadSource(deps.FS, in.Module, in.ModulePath, in.PackageDir)
			if err != nil {
				return nil, err
			}
			req, err := src.request(tighten(deps.Limits, &in))
			if err != nil {
				return nil, err
			}
			if in.Entry != "" {
				req.Entry = in.Entry
			}
			if len(in.Args) > 0 {
				req.Args, err = parseArgs(in.Args)
				if err != nil {
					return nil, err
				}
			}

			res, err := deps.Runtime.Execute(ctx, req)
			if err != nil {
				return nil, err
			}
			if deps.Logger != nil {
				deps.Logger.Debug(ctx, "mcp execution",
					ports.F("session", res.SessionID),
					ports.F("status", string(res.Status)))
			}
			return toExecuteOutput(res), nil
		})
}

func registerValidateTool(srv *mcp.Server, deps Deps) {
	srv.Tool("moat_validate").
		Description("Validate a WebAssembly module against the sandbox host interface without running it. Reports exports and imports.").
		ReadOnly().
		Handler(func(ctx context.Context, in ValidateInput) (*ValidateOutput, error) {
			if err := ValidateValidateInput(&in); err != nil {
				return nil, err
			}
			src, err := loadSource(deps.FS, in.Module, in.ModulePath, in.PackageDir)
			if err != nil {
				return nil, err
			}

			info, err := deps.Runtime.Validate(ctx, src.code)
			if errors.Is(err, sandbox.ErrRuntimeClosed) {
				return nil, err
			}
			if err != nil {
				failure := sandbox.FailureOf(err)
				return &ValidateOutput{Valid: false, Error: &failure}, nil
			}
			return &ValidateOutput{Valid: true, Module: info}, nil
		})
}

func registerStatsTool(srv *mcp.Server, deps Deps) {
	srv.Tool("moat_stats").
		Description("Show compiled module cache and external call bridge statistics.").
		ReadOnly().
		Handler(func(_ context.Context, in StatsInput) (*StatsOutput, error) {
			cs := deps.Runtime.Stats()
			out := &StatsOutput{
				Version: deps.Version.Version,
				ModuleCache: CacheStats{
					Hits:         cs.Hits,
					Misses:       cs.Misses,
					Compilations: cs.Compilations,
					Evictions:    cs.Evictions,
					Entries:      cs.Entries,
					Bytes:        cs.Bytes,
				},
			}
			if deps.Bridge == nil {
				return out, nil
			}

			bs := deps.Bridge.Stats()
			out.Bridge = &bs
			if in.IncludeServices {
				out.Services = describeServices(deps.Bridge)
			}
			return out, nil
		})
}

func describeServices(b *bridge.Bridge) []ServiceInfo {
	catalog := b.Catalog()
	services := b.Services()
	out := make([]ServiceInfo, 0, len(services))
	for _, name := range services {
		info := ServiceInfo{Name: name, Operations: []OperationInfo{}}
		for _, op := range catalog.Operations(name) {
			p, _ := catalog.Lookup(name, op)
			info.Operations = append(info.Operations, OperationInfo{Name: op, Cacheable: p.Cacheable, Mutating: p.Mutating})
		}
		out = append(out, info)
	}
	return out
}

// source is a module resolved from one of the input forms.
type source struct {
	code []byte
	pkg  *sandbox.Package
}

func loadSource(fs ports.FileSystem, module, modulePath, packageDir string) (*source, error) {
	switch {
	case module != "":
		code, err := base64.StdEncoding.DecodeString(module)
		if err != nil {
			return nil, fmt.Errorf("invalid module: not base64: %w", err)
		}
		return &source{code: code}, nil
	case fs == nil:
		return nil, errors.New("reading modules from disk is disabled")
	case modulePath != "":
		code, err := fs.ReadFile(modulePath, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to read module: %w", err)
		}
		return &source{code: code}, nil
	default:
		pkg, err := sandbox.NewLoader(fs).Load(packageDir)
		if err != nil {
			return nil, err
		}
		return &source{code: pkg.Code, pkg: pkg}, nil
	}
}

func (s *source) request(limits sandbox.ResourceLimits) (sandbox.Request, error) {
	if s.pkg != nil {
		return s.pkg.Request(limits)
	}
	return sandbox.Request{Module: s.code, Entry: "main", Limits: limits}, nil
}

func parseArgs(raw []string) ([]sandbox.Value, error) {
	args := make([]sandbox.Value, 0, len(raw))
	for _, a := range raw {
		v, err := sandbox.ParseValue(a)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

// tighten applies the caller's overrides that are stricter than base.
func tighten(base sandbox.ResourceLimits, in *ExecuteInput) sandbox.ResourceLimits {
	limits := base
	limits.AllowedRoots = append([]string(nil), base.AllowedRoots...)
	if d := time.Duration(in.TimeoutMS) * time.Millisecond; d > 0 && d < limits.Timeout {
		limits.Timeout = d
	}
	if in.MaxFuel > 0 && in.MaxFuel < limits.MaxFuel {
		limits.MaxFuel = in.MaxFuel
	}
	if in.MaxMemoryBytes > 0 && in.MaxMemoryBytes < limits.MaxMemoryBytes {
		limits.MaxMemoryBytes = in.MaxMemoryBytes
	}
	if in.MaxHostCalls > 0 && in.MaxHostCalls < limits.MaxHostCalls {
		limits.MaxHostCalls = in.MaxHostCalls
	}
	return limits
}

func toExecuteOutput(res *sandbox.ExecutionResult) *ExecuteOutput {
	out := &ExecuteOutput{
		SessionID:       res.SessionID,
		Status:          string(res.Status),
		Error:           res.Failure,
		Resource:        string(res.Resource),
		ExitCode:        res.ExitCode,
		FuelConsumed:    res.FuelConsumed,
		HostCalls:       res.HostCalls,
		PeakMemoryBytes: res.PeakMemoryBytes,
		Duration:        res.Duration.String(),
		CacheHit:        res.CacheHit,
		Stdout:          string(res.Stdout),
		Stderr:          string(res.Stderr),
	}
	for _, v := range res.Values {
		out.Results = append(out.Results, v.String())
	}
	if len(res.State) > 0 {
		out.State = make(map[string]string, len(res.State))
		for k, v := range res.State {
			out.State[k] = string(v)
		}
	}
	return out
}
