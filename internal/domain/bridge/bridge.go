// Package bridge turns validated host calls into requests against pooled,
// rate-limited external services, caching the results of side-effect free
// operations.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/puddle/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/felixgeelhaar/moat/internal/adapters/logging"
	"github.com/felixgeelhaar/moat/internal/ports"
)

// Config holds the bridge-wide call policy.
type Config struct {
	// ResultCacheSize bounds the number of cached results.
	ResultCacheSize int
	// ResultTTL expires cached results; zero keeps them until evicted.
	ResultTTL time.Duration
	// AcquireTimeout bounds the wait for a pooled connection.
	AcquireTimeout time.Duration
	// CallTimeout bounds one Invoke, retries included.
	CallTimeout time.Duration
	// MaxAttempts bounds tries per call, the first one included.
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the default call policy.
func DefaultConfig() Config {
	return Config{
		ResultCacheSize: 1024,
		AcquireTimeout:  2 * time.Second,
		CallTimeout:     30 * time.Second,
		MaxAttempts:     3,
		InitialBackoff:  50 * time.Millisecond,
		MaxBackoff:      2 * time.Second,
	}
}

// Validate rejects non-positive budgets.
func (c Config) Validate() error {
	switch {
	case c.ResultCacheSize <= 0:
		return fmt.Errorf("%w: result cache size must be positive", ErrServiceMisconfigured)
	case c.AcquireTimeout <= 0, c.CallTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrServiceMisconfigured)
	case c.MaxAttempts == 0:
		return fmt.Errorf("%w: max attempts must be at least 1", ErrServiceMisconfigured)
	case c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff:
		return fmt.Errorf("%w: backoff must be positive with max >= initial", ErrServiceMisconfigured)
	case c.ResultTTL < 0:
		return fmt.Errorf("%w: result ttl must not be negative", ErrServiceMisconfigured)
	}
	return nil
}

// Service describes one external service.
type Service struct {
	Name   string
	Dialer Dialer

	// PoolSize bounds concurrent connections.
	PoolSize int32

	// RateLimit is the default per-operation budget in calls per second.
	// Zero disables rate limiting.
	RateLimit float64
	Burst     int

	// Operations declares per-operation policies.
	Operations map[string]Policy
}

// Recorder receives bridge metrics.
type Recorder interface {
	ObserveCall(service, operation, outcome string, duration time.Duration)
	ObserveRetry(service, operation string)
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	CacheHits        uint64               `json:"cache_hits"`
	CacheMisses      uint64               `json:"cache_misses"`
	CachedResults    int                  `json:"cached_results"`
	UpstreamCalls    uint64               `json:"upstream_calls"`
	Retries          uint64               `json:"retries"`
	PoolAcquisitions uint64               `json:"pool_acquisitions"`
	Pools            map[string]PoolStats `json:"pools"`
}

// PoolStats describes one service pool.
type PoolStats struct {
	Total    int32 `json:"total"`
	Idle     int32 `json:"idle"`
	Acquired int32 `json:"acquired"`
	Max      int32 `json:"max"`
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l ports.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(b *Bridge) { b.metrics = r }
}

// WithCatalog shares an existing catalog; service operations are
// registered into it.
func WithCatalog(c *Catalog) Option {
	return func(b *Bridge) { b.catalog = c }
}

type resultCache interface {
	Get(key CacheKey) (json.RawMessage, bool)
	Add(key CacheKey, value json.RawMessage) bool
	Len() int
	Purge()
}

type service struct {
	Service
	pool *puddle.Pool[Connection]

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Bridge invokes operations on external services. It is safe for
// concurrent use and holds no reference to any caller.
type Bridge struct {
	cfg      Config
	services map[string]*service
	catalog  *Catalog
	results  resultCache
	flight   singleflight.Group
	logger   ports.Logger
	metrics  Recorder

	hits         atomic.Uint64
	misses       atomic.Uint64
	upstream     atomic.Uint64
	retries      atomic.Uint64
	acquisitions atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a bridge over services.
func New(cfg Config, services []Service, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:      cfg,
		services: make(map[string]*service, len(services)),
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.catalog == nil {
		b.catalog = NewCatalog()
	}

	if cfg.ResultTTL > 0 {
		b.results = expirable.NewLRU[CacheKey, json.RawMessage](cfg.ResultCacheSize, nil, cfg.ResultTTL)
	} else {
		c, err := lru.New[CacheKey, json.RawMessage](cfg.ResultCacheSize)
		if err != nil {
			return nil, err
		}
		b.results = c
	}

	for _, svc := range services {
		if err := b.addService(svc); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *Bridge) addService(svc Service) error {
	switch {
	case svc.Name == "":
		return fmt.Errorf("%w: service name is required", ErrServiceMisconfigured)
	case svc.Dialer == nil:
		return fmt.Errorf("%w: %s has no dialer", ErrServiceMisconfigured, svc.Name)
	case svc.PoolSize <= 0:
		return fmt.Errorf("%w: %s pool size must be positive", ErrServiceMisconfigured, svc.Name)
	case svc.RateLimit < 0 || svc.Burst < 0:
		return fmt.Errorf("%w: %s rate limit must not be negative", ErrServiceMisconfigured, svc.Name)
	}
	if _, dup := b.services[svc.Name]; dup {
		return fmt.Errorf("%w: duplicate service %s", ErrServiceMisconfigured, svc.Name)
	}
	for op, p := range svc.Operations {
		if err := b.catalog.Register(svc.Name, op, p); err != nil {
			return err
		}
	}

	dialer := svc.Dialer
	pool, err := puddle.NewPool(&puddle.Config[Connection]{
		Constructor: dialer.Dial,
		Destructor: func(c Connection) {
			_ = c.Close()
		},
		MaxSize: svc.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrServiceMisconfigured, svc.Name, err)
	}
	b.services[svc.Name] = &service{Service: svc, pool: pool, limiters: make(map[string]*rate.Limiter)}
	return nil
}

// Catalog returns the operation catalog.
func (b *Bridge) Catalog() *Catalog {
	return b.catalog
}

// Services lists the configured service names, sorted.
func (b *Bridge) Services() []string {
	out := make([]string, 0, len(b.services))
	for name := range b.services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Invoke calls operation on service. Results of cacheable operations are
// served from the result cache when present, and identical concurrent
// cacheable calls share one upstream call.
func (b *Bridge) Invoke(ctx context.Context, service, operation string, args json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	out, outcome, err := b.invoke(ctx, service, operation, args)
	if b.metrics != nil {
		b.metrics.ObserveCall(service, operation, outcome, time.Since(start))
	}
	return out, err
}

func (b *Bridge) invoke(ctx context.Context, service, operation string, args json.RawMessage) (json.RawMessage, string, error) {
	if b.closed.Load() {
		return nil, KindClosed, &Error{Kind: KindClosed, Service: service, Operation: operation}
	}
	svc, ok := b.services[service]
	if !ok {
		return nil, KindUnknownService, &Error{Kind: KindUnknownService, Service: service, Operation: operation}
	}

	canonical, err := Canonicalize(args)
	if err != nil {
		return nil, KindInvalidArgs, &Error{Kind: KindInvalidArgs, Service: service, Operation: operation, Err: err}
	}

	policy, _ := b.catalog.Lookup(service, operation)
	if !policy.Cacheable || policy.Mutating {
		out, err := b.call(ctx, svc, operation, canonical)
		return out, outcomeOf(err, "ok"), err
	}

	key := KeyOf(service, operation, canonical)
	if v, ok := b.results.Get(key); ok {
		b.hits.Add(1)
		b.logger.Debug(ctx, "result cache hit", ports.F("service", service), ports.F("operation", operation))
		return clone(v), "cache_hit", nil
	}
	b.misses.Add(1)

	// A shared flight is detached from any one waiter and bounded by
	// CallTimeout alone.
	shared := context.WithoutCancel(ctx)
	ch := b.flight.DoChan(key.String(), func() (any, error) {
		if v, ok := b.results.Get(key); ok {
			return v, nil
		}
		out, err := b.call(shared, svc, operation, canonical)
		if err != nil {
			return nil, err
		}
		b.results.Add(key, out)
		return out, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, outcomeOf(r.Err, ""), r.Err
		}
		return clone(r.Val.(json.RawMessage)), "ok", nil
	case <-ctx.Done():
		err := &Error{Kind: KindTimeout, Service: service, Operation: operation, Err: ctx.Err()}
		return nil, KindTimeout, err
	}
}

// call performs one logical upstream call: acquire a connection, apply the
// rate limit, then call with retries. The connection is returned to the
// pool on every path; a connection that failed transiently is destroyed.
func (b *Bridge) call(ctx context.Context, svc *service, operation string, args json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	fail := func(kind string, transient bool, err error) error {
		return &Error{Kind: kind, Service: svc.Name, Operation: operation, Transient: transient, Err: err}
	}

	res, err := b.acquire(ctx, svc)
	if err != nil {
		kind := acquireKind(ctx, err)
		return nil, fail(kind, kind == KindUpstream && IsTransient(err), err)
	}
	defer func() {
		if res != nil {
			res.Release()
		}
	}()

	if lim := svc.limiter(operation); lim != nil && !lim.Allow() {
		return nil, fail(KindRateLimited, false, nil)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.InitialBackoff
	policy.MaxInterval = b.cfg.MaxBackoff

	var (
		attempt    int
		acquireErr error
	)
	out, err := backoff.Retry(ctx, func() (json.RawMessage, error) {
		attempt++
		if res == nil {
			next, err := b.acquire(ctx, svc)
			if err != nil {
				acquireErr = err
				return nil, backoff.Permanent(err)
			}
			res = next
		}
		b.upstream.Add(1)
		out, err := res.Value().Call(ctx, operation, args)
		switch {
		case err == nil:
			return out, nil
		case ctx.Err() != nil:
			res.Destroy()
			res = nil
			return nil, backoff.Permanent(err)
		case IsTransient(err):
			res.Destroy()
			res = nil
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(b.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			b.retries.Add(1)
			if b.metrics != nil {
				b.metrics.ObserveRetry(svc.Name, operation)
			}
			b.logger.Debug(ctx, "retrying external call",
				ports.F("service", svc.Name),
				ports.F("operation", operation),
				ports.F("attempt", attempt),
				ports.F("wait", wait.String()),
				ports.Err(err),
			)
		}),
	)
	switch {
	case err == nil:
		return out, nil
	case ctx.Err() != nil:
		return nil, fail(KindTimeout, false, err)
	case acquireErr != nil:
		kind := acquireKind(ctx, acquireErr)
		return nil, fail(kind, kind == KindUpstream && IsTransient(acquireErr), acquireErr)
	case IsTransient(err):
		return nil, fail(KindUpstream, true, err)
	default:
		return nil, fail(KindUpstream, false, err)
	}
}

func (b *Bridge) acquire(ctx context.Context, svc *service) (*puddle.Resource[Connection], error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.AcquireTimeout)
	defer cancel()
	res, err := svc.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	b.acquisitions.Add(1)
	return res, nil
}

// acquireKind classifies a failed acquisition. The acquire timeout is
// shorter than the call context, so a live parent context means the pool
// stayed exhausted for the whole wait.
func acquireKind(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, puddle.ErrClosedPool):
		return KindClosed
	case ctx.Err() != nil:
		return KindTimeout
	case isContextError(err):
		return KindPoolExhausted
	default:
		return KindUpstream
	}
}

func (s *service) limiter(operation string) *rate.Limiter {
	limit, burst := s.RateLimit, s.Burst
	if p, ok := s.Operations[operation]; ok && p.RateLimit > 0 {
		limit, burst = p.RateLimit, p.Burst
	}
	if limit == 0 {
		return nil
	}
	if burst == 0 {
		burst = max(1, int(limit))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[operation]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(limit), burst)
		s.limiters[operation] = lim
	}
	return lim
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	st := Stats{
		CacheHits:        b.hits.Load(),
		CacheMisses:      b.misses.Load(),
		CachedResults:    b.results.Len(),
		UpstreamCalls:    b.upstream.Load(),
		Retries:          b.retries.Load(),
		PoolAcquisitions: b.acquisitions.Load(),
		Pools:            make(map[string]PoolStats, len(b.services)),
	}
	for name, svc := range b.services {
		ps := svc.pool.Stat()
		st.Pools[name] = PoolStats{
			Total:    ps.TotalResources(),
			Idle:     ps.IdleResources(),
			Acquired: ps.AcquiredResources(),
			Max:      ps.MaxResources(),
		}
	}
	return st
}

// PurgeResults drops every cached result.
func (b *Bridge) PurgeResults() {
	b.results.Purge()
}

// Close closes every pool, waiting for in-flight calls to return their
// connections. Later calls fail with ErrClosed.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		for _, svc := range b.services {
			svc.pool.Close()
		}
		b.results.Purge()
	})
}

func outcomeOf(err error, success string) string {
	if err == nil {
		return success
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUpstream
}

func clone(v json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), v...)
}
