// Package config loads the moat configuration file. A file may be YAML or
// TOML, chosen by extension; every key is optional and falls back to
// DefaultConfig.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/moat/internal/adapters/logging"
	"github.com/felixgeelhaar/moat/internal/domain/bridge"
	"github.com/felixgeelhaar/moat/internal/domain/modcache"
	"github.com/felixgeelhaar/moat/internal/domain/sandbox"
	"github.com/felixgeelhaar/moat/internal/domain/state"
	"github.com/felixgeelhaar/moat/internal/ports"
)

// Format is a configuration file syntax.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf infers the format from a file extension.
func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".toml":
		return FormatTOML, true
	default:
		return "", false
	}
}

// State backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// DefaultPoolSize is used for services that do not set pool_size.
const DefaultPoolSize = 4

// Config is the root of the configuration file.
type Config struct {
	Limits   LimitsConfig    `yaml:"limits" toml:"limits"`
	Cache    CacheConfig     `yaml:"cache" toml:"cache"`
	Bridge   BridgeConfig    `yaml:"bridge" toml:"bridge"`
	Services []ServiceConfig `yaml:"services,omitempty" toml:"services,omitempty"`
	State    StateConfig     `yaml:"state" toml:"state"`
	Log      LogConfig       `yaml:"log" toml:"log"`
}

// LimitsConfig holds the default resource limits of an execution.
type LimitsConfig struct {
	MaxMemory         ByteSize `yaml:"max_memory" toml:"max_memory"`
	MaxFuel           uint64   `yaml:"max_fuel" toml:"max_fuel"`
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
	MaxHostCalls      int      `yaml:"max_host_calls" toml:"max_host_calls"`
	AllowedRoots      []string `yaml:"allowed_roots,omitempty" toml:"allowed_roots,omitempty"`
	MaxArgSize        ByteSize `yaml:"max_arg_size" toml:"max_arg_size"`
	MaxFileSize       ByteSize `yaml:"max_file_size" toml:"max_file_size"`
	MaxStateKeySize   ByteSize `yaml:"max_state_key_size" toml:"max_state_key_size"`
	MaxStateValueSize ByteSize `yaml:"max_state_value_size" toml:"max_state_value_size"`
	MaxLogSize        ByteSize `yaml:"max_log_size" toml:"max_log_size"`
	MaxOutputSize     ByteSize `yaml:"max_output_size" toml:"max_output_size"`
}

// CacheConfig bounds the compiled module cache.
type CacheConfig struct {
	MaxEntries int      `yaml:"max_entries" toml:"max_entries"`
	MaxSize    ByteSize `yaml:"max_size" toml:"max_size"`
}

// BridgeConfig is the external call policy shared by all services.
type BridgeConfig struct {
	ResultCacheSize int      `yaml:"result_cache_size" toml:"result_cache_size"`
	ResultTTL       Duration `yaml:"result_ttl" toml:"result_ttl"`
	AcquireTimeout  Duration `yaml:"acquire_timeout" toml:"acquire_timeout"`
	CallTimeout     Duration `yaml:"call_timeout" toml:"call_timeout"`
	MaxAttempts     uint     `yaml:"max_attempts" toml:"max_attempts"`
	InitialBackoff  Duration `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff      Duration `yaml:"max_backoff" toml:"max_backoff"`
}

// ServiceConfig declares one MCP server reachable through invoke_external.
type ServiceConfig struct {
	Name      string            `yaml:"name" toml:"name"`
	Transport string            `yaml:"transport,omitempty" toml:"transport,omitempty"`
	Command   string            `yaml:"command,omitempty" toml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty" toml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty" toml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty" toml:"headers,omitempty"`
	PoolSize  int32             `yaml:"pool_size,omitempty" toml:"pool_size,omitempty"`
	RateLimit float64           `yaml:"rate_limit,omitempty" toml:"rate_limit,omitempty"`
	Burst     int               `yaml:"burst,omitempty" toml:"burst,omitempty"`

	// Discover derives operation policies from the server's tool
	// annotations at startup. Operations listed explicitly win.
	Discover bool `yaml:"discover,omitempty" toml:"discover,omitempty"`

	Operations map[string]bridge.Policy `yaml:"operations,omitempty" toml:"operations,omitempty"`
}

// StateConfig selects the session state backend.
type StateConfig struct {
	Backend string      `yaml:"backend" toml:"backend"`
	Redis   RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr        string   `yaml:"addr" toml:"addr"`
	Password    string   `yaml:"password,omitempty" toml:"password,omitempty"`
	DB          int      `yaml:"db" toml:"db"`
	PoolSize    int      `yaml:"pool_size,omitempty" toml:"pool_size,omitempty"`
	KeyPrefix   string   `yaml:"key_prefix" toml:"key_prefix"`
	TTL         Duration `yaml:"ttl" toml:"ttl"`
	DialTimeout Duration `yaml:"dial_timeout,omitempty" toml:"dial_timeout,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	limits := sandbox.DefaultLimits()
	cache := modcache.DefaultConfig()
	br := bridge.DefaultConfig()
	return &Config{
		Limits: LimitsConfig{
			MaxMemory:         ByteSize(limits.MaxMemoryBytes),
			MaxFuel:           limits.MaxFuel,
			Timeout:           Duration(limits.Timeout),
			MaxHostCalls:      limits.MaxHostCalls,
			MaxArgSize:        ByteSize(limits.MaxArgBytes),
			MaxFileSize:       ByteSize(limits.MaxFileBytes),
			MaxStateKeySize:   ByteSize(limits.MaxStateKeyBytes),
			MaxStateValueSize: ByteSize(limits.MaxStateValueBytes),
			MaxLogSize:        ByteSize(limits.MaxLogBytes),
			MaxOutputSize:     ByteSize(limits.MaxOutputBytes),
		},
		Cache: CacheConfig{
			MaxEntries: cache.MaxEntries,
			MaxSize:    ByteSize(cache.MaxBytes),
		},
		Bridge: BridgeConfig{
			ResultCacheSize: br.ResultCacheSize,
			ResultTTL:       Duration(br.ResultTTL),
			AcquireTimeout:  Duration(br.AcquireTimeout),
			CallTimeout:     Duration(br.CallTimeout),
			MaxAttempts:     br.MaxAttempts,
			InitialBackoff:  Duration(br.InitialBackoff),
			MaxBackoff:      Duration(br.MaxBackoff),
		},
		State: StateConfig{
			Backend: BackendMemory,
			Redis:   RedisConfig{KeyPrefix: state.DefaultKeyPrefix},
		},
		Log: LogConfig{Level: "info", Format: LogFormatText},
	}
}

// Load reads, decodes and validates the file at path.
func Load(path string) (*Config, error) {
	format, ok := FormatOf(path)
	if !ok {
		return nil, NewUnsupportedFormatError(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewConfigNotFoundError(path)
		}
		return nil, err
	}
	cfg, err := Parse(data, format)
	if err != nil {
		var ue *UserError
		if errors.As(err, &ue) && ue.Code == ErrCodeConfigParse {
			return nil, NewConfigParseError(path, format, ue.Underlying)
		}
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data over DefaultConfig and validates the result. Unknown
// keys are rejected.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err = dec.Decode(cfg); errors.Is(err, io.EOF) {
			err = nil
		}
	case FormatTOML:
		err = toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(cfg)
	default:
		return nil, NewUnsupportedFormatError(string(format))
	}
	if err != nil {
		return nil, NewConfigParseError("<input>", format, err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes the configuration in format.
func (c *Config) Marshal(format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(c)
	case FormatTOML:
		return toml.Marshal(c)
	default:
		return nil, NewUnsupportedFormatError(string(format))
	}
}

func (c *Config) normalize() {
	for i := range c.Services {
		svc := &c.Services[i]
		if svc.Transport == "" {
			switch {
			case svc.Command != "":
				svc.Transport = bridge.TransportStdio
			case svc.URL != "":
				svc.Transport = bridge.TransportStreamableHTTP
			}
		}
		if svc.PoolSize == 0 {
			svc.PoolSize = DefaultPoolSize
		}
	}
	c.State.Backend = strings.ToLower(c.State.Backend)
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
}

// Validate reports every invalid field at once as an *ErrorList.
func (c *Config) Validate() error {
	errs := NewErrorList()
	c.validateLimits(errs)
	c.validateCache(errs)
	c.validateBridge(errs)
	c.validateServices(errs)
	c.validateState(errs)
	c.validateLog(errs)
	return errs.AsError()
}

func (c *Config) validateLimits(errs *ErrorList) {
	l := c.Limits
	if l.MaxMemory <= 0 || l.MaxMemory > 4*GB {
		errs.AddValidation("limits.max_memory", "must be between 1 byte and 4GB", "WebAssembly memory is 32-bit addressed.")
	}
	if l.MaxFuel == 0 || l.MaxFuel > 1<<63-1 {
		errs.AddValidation("limits.max_fuel", "must be positive", "")
	}
	if l.Timeout <= 0 {
		errs.AddValidation("limits.timeout", "must be positive", "Use a duration such as 10s.")
	}
	if l.MaxHostCalls <= 0 {
		errs.AddValidation("limits.max_host_calls", "must be positive", "")
	}
	for i, root := range l.AllowedRoots {
		if !filepath.IsAbs(root) {
			errs.AddValidation(fmt.Sprintf("limits.allowed_roots[%d]", i),
				fmt.Sprintf("%q is not an absolute path", root), "File access roots must be absolute.")
		}
	}
	sizes := []struct {
		field string
		v     ByteSize
	}{
		{"max_arg_size", l.MaxArgSize},
		{"max_file_size", l.MaxFileSize},
		{"max_state_key_size", l.MaxStateKeySize},
		{"max_state_value_size", l.MaxStateValueSize},
		{"max_log_size", l.MaxLogSize},
		{"max_output_size", l.MaxOutputSize},
	}
	for _, s := range sizes {
		if s.v <= 0 || s.v > 2*GB {
			errs.AddValidation("limits."+s.field, "must be between 1 byte and 2GB", "")
		}
	}
}

func (c *Config) validateCache(errs *ErrorList) {
	if c.Cache.MaxEntries <= 0 {
		errs.AddValidation("cache.max_entries", "must be positive", "")
	}
	if c.Cache.MaxSize <= 0 {
		errs.AddValidation("cache.max_size", "must be positive", "")
	}
}

func (c *Config) validateBridge(errs *ErrorList) {
	b := c.Bridge
	if b.ResultCacheSize <= 0 {
		errs.AddValidation("bridge.result_cache_size", "must be positive", "")
	}
	if b.ResultTTL < 0 {
		errs.AddValidation("bridge.result_ttl", "must not be negative", "Use 0 to keep results until evicted.")
	}
	if b.AcquireTimeout <= 0 {
		errs.AddValidation("bridge.acquire_timeout", "must be positive", "")
	}
	if b.CallTimeout <= 0 {
		errs.AddValidation("bridge.call_timeout", "must be positive", "")
	}
	if b.MaxAttempts == 0 {
		errs.AddValidation("bridge.max_attempts", "must be at least 1", "The first try counts as an attempt.")
	}
	if b.InitialBackoff <= 0 || b.MaxBackoff < b.InitialBackoff {
		errs.AddValidation("bridge.initial_backoff", "must be positive and not above max_backoff", "")
	}
}

func (c *Config) validateServices(errs *ErrorList) {
	seen := make(map[string]bool, len(c.Services))
	for i, svc := range c.Services {
		field := fmt.Sprintf("services[%d]", i)
		if svc.Name == "" {
			errs.AddValidation(field+".name", "is required", "")
		} else {
			field = fmt.Sprintf("services.%s", svc.Name)
			if seen[svc.Name] {
				errs.Add(&UserError{
					Code:       ErrCodeDuplicateService,
					Message:    fmt.Sprintf("service %q is declared more than once", svc.Name),
					Context:    field,
					Suggestion: "Service names must be unique.",
				})
			}
			seen[svc.Name] = true
		}
		if err := svc.mcpConfig().Validate(); err != nil {
			errs.Add(&UserError{
				Code:       ErrCodeServiceInvalid,
				Message:    err.Error(),
				Context:    field,
				Suggestion: "Set command for stdio servers, or url for sse and streamable_http servers.",
				Underlying: err,
			})
		}
		if svc.PoolSize < 0 {
			errs.AddValidation(field+".pool_size", "must be positive", "")
		}
		if svc.RateLimit < 0 || svc.Burst < 0 {
			errs.AddValidation(field+".rate_limit", "must not be negative", "Use 0 to disable rate limiting.")
		}
		for op, p := range svc.Operations {
			if err := p.Validate(); err != nil {
				errs.Add(&UserError{
					Code:       ErrCodeOperationConflict,
					Message:    fmt.Sprintf("operation %q: %v", op, err),
					Context:    field + ".operations." + op,
					Suggestion: "An operation with side effects can never be cacheable.",
					Underlying: err,
				})
			}
		}
	}
}

func (c *Config) validateState(errs *ErrorList) {
	switch c.State.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.State.Redis.Addr == "" {
			errs.AddValidation("state.redis.addr", "is required for the redis backend", "For example localhost:6379.")
		}
		if c.State.Redis.TTL < 0 {
			errs.AddValidation("state.redis.ttl", "must not be negative", "")
		}
	default:
		errs.AddValidation("state.backend", fmt.Sprintf("unknown backend %q", c.State.Backend), "Use memory or redis.")
	}
}

func (c *Config) validateLog(errs *ErrorList) {
	if _, ok := ports.ParseLevel(c.Log.Level); !ok {
		errs.AddValidation("log.level", fmt.Sprintf("unknown level %q", c.Log.Level), "Use debug, info, warn or error.")
	}
	switch c.Log.Format {
	case LogFormatText, LogFormatJSON:
	default:
		errs.AddValidation("log.format", fmt.Sprintf("unknown format %q", c.Log.Format), "Use text or json.")
	}
}

// ResourceLimits converts the limits section.
func (l LimitsConfig) ResourceLimits() sandbox.ResourceLimits {
	return sandbox.ResourceLimits{
		MaxMemoryBytes:     uint64(l.MaxMemory),
		MaxFuel:            l.MaxFuel,
		Timeout:            l.Timeout.Std(),
		MaxHostCalls:       l.MaxHostCalls,
		AllowedRoots:       append([]string(nil), l.AllowedRoots...),
		MaxArgBytes:        int(l.MaxArgSize),
		MaxFileBytes:       int(l.MaxFileSize),
		MaxStateKeyBytes:   int(l.MaxStateKeySize),
		MaxStateValueBytes: int(l.MaxStateValueSize),
		MaxLogBytes:        int(l.MaxLogSize),
		MaxOutputBytes:     int(l.MaxOutputSize),
	}
}

// ModuleCache converts the cache section.
func (c CacheConfig) ModuleCache() modcache.Config {
	return modcache.Config{MaxEntries: c.MaxEntries, MaxBytes: int64(c.MaxSize)}
}

// CallPolicy converts the bridge section.
func (b BridgeConfig) CallPolicy() bridge.Config {
	return bridge.Config{
		ResultCacheSize: b.ResultCacheSize,
		ResultTTL:       b.ResultTTL.Std(),
		AcquireTimeout:  b.AcquireTimeout.Std(),
		CallTimeout:     b.CallTimeout.Std(),
		MaxAttempts:     b.MaxAttempts,
		InitialBackoff:  b.InitialBackoff.Std(),
		MaxBackoff:      b.MaxBackoff.Std(),
	}
}

func (s ServiceConfig) mcpConfig() bridge.MCPConfig {
	return bridge.MCPConfig{
		Transport: s.Transport,
		Command:   s.Command,
		Args:      s.Args,
		Env:       s.Env,
		URL:       s.URL,
		Headers:   s.Headers,
	}
}

// Service builds the bridge service, discovering operations when asked.
func (s ServiceConfig) Service(ctx context.Context, clientVersion string) (bridge.Service, error) {
	dialer, err := bridge.NewMCPDialer(s.mcpConfig(), clientVersion)
	if err != nil {
		return bridge.Service{}, &UserError{
			Code:       ErrCodeServiceInvalid,
			Message:    err.Error(),
			Context:    "services." + s.Name,
			Underlying: err,
		}
	}

	ops := make(map[string]bridge.Policy, len(s.Operations))
	if s.Discover {
		discovered, err := dialer.Discover(ctx)
		if err != nil {
			return bridge.Service{}, &UserError{
				Code:       ErrCodeDiscoveryFailed,
				Message:    fmt.Sprintf("listing tools of %s failed", s.Name),
				Context:    "services." + s.Name,
				Suggestion: "Check that the server is reachable, or set discover to false and list operations explicitly.",
				Underlying: err,
			}
		}
		for name, p := range discovered {
			ops[name] = p
		}
	}
	for name, p := range s.Operations {
		ops[name] = p
	}

	return bridge.Service{
		Name:       s.Name,
		Dialer:     dialer,
		PoolSize:   s.PoolSize,
		RateLimit:  s.RateLimit,
		Burst:      s.Burst,
		Operations: ops,
	}, nil
}

// BridgeServices builds every configured service.
func (c *Config) BridgeServices(ctx context.Context, clientVersion string) ([]bridge.Service, error) {
	out := make([]bridge.Service, 0, len(c.Services))
	for _, s := range c.Services {
		svc, err := s.Service(ctx, clientVersion)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}

// Open connects the configured state backend. A redis store must be
// closed by the caller; it implements io.Closer.
func (s StateConfig) Open(ctx context.Context) (state.Store, error) {
	if s.Backend != BackendRedis {
		return state.NewMemoryStore(), nil
	}
	store, err := state.DialRedis(ctx, state.RedisConfig{
		Addr:        s.Redis.Addr,
		Password:    s.Redis.Password,
		DB:          s.Redis.DB,
		PoolSize:    s.Redis.PoolSize,
		KeyPrefix:   s.Redis.KeyPrefix,
		TTL:         s.Redis.TTL.Std(),
		DialTimeout: s.Redis.DialTimeout.Std(),
	})
	if err != nil {
		return nil, &UserError{
			Code:       ErrCodeStateUnavailable,
			Message:    "cannot reach the redis state backend",
			Context:    s.Redis.Addr,
			Suggestion: "Check state.redis.addr, or set state.backend to memory.",
			Underlying: err,
		}
	}
	return store, nil
}

// Logger builds the process logger writing to w.
func (l LogConfig) Logger(w io.Writer) *logging.Logger {
	level, _ := ports.ParseLevel(l.Level)
	return logging.New(logging.Options{
		Output: w,
		Level:  level,
		JSON:   l.Format == LogFormatJSON,
	})
}
