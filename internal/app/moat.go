// Package app wires the moat configuration into a running sandbox.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/felixgeelhaar/moat/internal/adapters/filesystem"
	"github.com/felixgeelhaar/moat/internal/domain/bridge"
	"github.com/felixgeelhaar/moat/internal/domain/config"
	"github.com/felixgeelhaar/moat/internal/domain/sandbox"
	"github.com/felixgeelhaar/moat/internal/domain/state"
	"github.com/felixgeelhaar/moat/internal/observability"
	"github.com/felixgeelhaar/moat/internal/ports"
)

// Moat is the application orchestrator. It owns the runtime, the bridge
// and the state store and closes them in reverse order.
type Moat struct {
	Runtime *sandbox.Runtime

	// Bridge is nil when no services are configured.
	Bridge  *bridge.Bridge
	Store   state.Store
	Metrics *observability.Metrics
	Logger  ports.Logger
	FS      ports.FileSystem
	Limits  sandbox.ResourceLimits

	closers []func(context.Context) error
}

// Options tune New.
type Options struct {
	// Version is reported to MCP services as the client version.
	Version string

	// LogOutput receives process logs. Defaults to io.Discard.
	LogOutput io.Writer

	// FS overrides the host filesystem.
	FS ports.FileSystem
}

// New builds every component described by cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Moat, error) {
	out := opts.LogOutput
	if out == nil {
		out = io.Discard
	}
	fs := opts.FS
	if fs == nil {
		fs = filesystem.NewRealFileSystem()
	}

	m := &Moat{
		Metrics: observability.NewMetrics(),
		Logger:  cfg.Log.Logger(out),
		FS:      fs,
		Limits:  cfg.Limits.ResourceLimits(),
	}

	store, err := cfg.State.Open(ctx)
	if err != nil {
		return nil, err
	}
	m.Store = store
	if c, ok := store.(io.Closer); ok {
		m.closers = append(m.closers, func(context.Context) error { return c.Close() })
	}

	runtimeOpts := []sandbox.Option{
		sandbox.WithCacheConfig(cfg.Cache.ModuleCache()),
		sandbox.WithStateStore(store),
		sandbox.WithFileSystem(fs),
		sandbox.WithLogger(m.Logger),
		sandbox.WithMetrics(m.Metrics),
	}

	if len(cfg.Services) > 0 {
		services, err := cfg.BridgeServices(ctx, opts.Version)
		if err != nil {
			_ = m.shutdown(ctx)
			return nil, err
		}
		b, err := bridge.New(cfg.Bridge.CallPolicy(), services,
			bridge.WithLogger(m.Logger),
			bridge.WithMetrics(m.Metrics))
		if err != nil {
			_ = m.shutdown(ctx)
			return nil, fmt.Errorf("failed to start bridge: %w", err)
		}
		m.Bridge = b
		m.closers = append(m.closers, func(context.Context) error { b.Close(); return nil })
		m.Metrics.WatchBridge(b.Stats)
		runtimeOpts = append(runtimeOpts, sandbox.WithBridge(b))
	}

	rt, err := sandbox.New(ctx, runtimeOpts...)
	if err != nil {
		_ = m.shutdown(ctx)
		return nil, err
	}
	m.Runtime = rt
	m.closers = append(m.closers, rt.Close)
	m.Metrics.WatchModuleCache(rt.Stats)

	m.Logger.Debug(ctx, "moat ready",
		ports.F("services", len(cfg.Services)),
		ports.F("state", cfg.State.Backend))
	return m, nil
}

// Run executes one request. A request without a timeout or fuel budget
// gets the configured limits.
func (m *Moat) Run(ctx context.Context, req sandbox.Request) (*sandbox.ExecutionResult, error) {
	if req.Limits.Timeout == 0 && req.Limits.MaxFuel == 0 {
		req.Limits = m.Limits
	}
	return m.Runtime.Execute(ctx, req)
}

// Load reads a module from a .wasm file or a package directory. A
// directory yields its manifest defaults.
func (m *Moat) Load(path string) (sandbox.Request, error) {
	info, err := m.FS.Stat(path)
	if err != nil {
		return sandbox.Request{}, fmt.Errorf("%w: %s", sandbox.ErrModuleNotFound, path)
	}
	if info.IsDir {
		pkg, err := sandbox.NewLoader(m.FS).Load(path)
		if err != nil {
			return sandbox.Request{}, err
		}
		return pkg.Request(m.Limits)
	}

	code, err := m.FS.ReadFile(path, 0)
	if err != nil {
		return sandbox.Request{}, fmt.Errorf("failed to read module: %w", err)
	}
	return sandbox.Request{Module: code, Entry: "main", Limits: m.Limits}, nil
}

// MetricsHandler serves the Prometheus registry.
func (m *Moat) MetricsHandler() http.Handler {
	return m.Metrics.Handler()
}

// Close releases every component.
func (m *Moat) Close(ctx context.Context) error {
	return m.shutdown(ctx)
}

func (m *Moat) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}
