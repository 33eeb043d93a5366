package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addHandler(calls *atomic.Int64) Handler {
	return func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		var in struct{ A, B int }
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return json.RawMessage(strconv.Itoa(in.A + in.B)), nil
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AcquireTimeout = 100 * time.Millisecond
	cfg.CallTimeout = 2 * time.Second
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	return cfg
}

func newBridge(t *testing.T, cfg Config, services ...Service) *Bridge {
	t.Helper()
	b, err := New(cfg, services)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

// assertReleased waits for the pool to settle; destroyed connections leave
// the pool asynchronously.
func assertReleased(t *testing.T, b *Bridge, service string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return b.Stats().Pools[service].Acquired == 0
	}, time.Second, 5*time.Millisecond)
}

type recorder struct {
	mu       sync.Mutex
	outcomes []string
	retries  int
}

func (r *recorder) ObserveCall(_, _, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recorder) ObserveRetry(_, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func TestInvoke_CacheableOperation(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	rec := &recorder{}
	b, err := New(testConfig(), []Service{{
		Name:       "calc",
		Dialer:     NewFuncService().Handle("add", addHandler(&calls)),
		PoolSize:   2,
		Operations: map[string]Policy{"add": {Cacheable: true}},
	}}, WithMetrics(rec))
	require.NoError(t, err)
	t.Cleanup(b.Close)
	ctx := context.Background()

	out, err := b.Invoke(ctx, "calc", "add", json.RawMessage(`{"a":10,"b":32}`))
	require.NoError(t, err)
	assert.JSONEq(t, "42", string(out))
	st := b.Stats()
	assert.Equal(t, uint64(1), st.PoolAcquisitions)
	assert.Equal(t, uint64(1), st.CacheMisses)

	out, err = b.Invoke(ctx, "calc", "add", json.RawMessage(`{"b":32,"a":10}`))
	require.NoError(t, err)
	assert.JSONEq(t, "42", string(out))

	st = b.Stats()
	assert.Equal(t, uint64(1), st.PoolAcquisitions, "a cache hit uses no connection")
	assert.Equal(t, uint64(1), st.CacheHits)
	assert.Equal(t, uint64(1), st.UpstreamCalls)
	assert.Equal(t, 1, st.CachedResults)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, []string{"ok", "cache_hit"}, rec.outcomes)

	b.PurgeResults()
	_, err = b.Invoke(ctx, "calc", "add", json.RawMessage(`{"a":10,"b":32}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestInvoke_CachedResultIsACopy(t *testing.T) {
	t.Parallel()

	b := newBridge(t, testConfig(), Service{
		Name:     "kv",
		PoolSize: 1,
		Dialer: NewFuncService().Handle("get", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`"value"`), nil
		}),
		Operations: map[string]Policy{"get": {Cacheable: true}},
	})

	out, err := b.Invoke(context.Background(), "kv", "get", nil)
	require.NoError(t, err)
	out[1] = 'X'

	again, err := b.Invoke(context.Background(), "kv", "get", nil)
	require.NoError(t, err)
	assert.Equal(t, `"value"`, string(again))
}

func TestInvoke_NonCacheableAlwaysReachesService(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy *Policy
	}{
		{name: "mutating", policy: &Policy{Mutating: true}},
		{name: "declared non-cacheable", policy: &Policy{}},
		{name: "not in catalog"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int64
			svc := Service{Name: "calc", Dialer: NewFuncService().Handle("add", addHandler(&calls)), PoolSize: 1}
			if tt.policy != nil {
				svc.Operations = map[string]Policy{"add": *tt.policy}
			}
			b := newBridge(t, testConfig(), svc)

			for i := 0; i < 2; i++ {
				out, err := b.Invoke(context.Background(), "calc", "add", json.RawMessage(`{"a":1,"b":2}`))
				require.NoError(t, err)
				assert.Equal(t, "3", string(out))
			}
			assert.Equal(t, int64(2), calls.Load())
			assert.Zero(t, b.Stats().CacheHits)
			assert.Zero(t, b.Stats().CachedResults)
		})
	}
}

func TestNew_RejectsMutatingCacheable(t *testing.T) {
	t.Parallel()

	_, err := New(testConfig(), []Service{{
		Name:       "db",
		Dialer:     NewFuncService(),
		PoolSize:   1,
		Operations: map[string]Policy{"delete": {Mutating: true, Cacheable: true}},
	}})
	require.ErrorIs(t, err, ErrMutatingCacheable)

	c := NewCatalog()
	require.ErrorIs(t, c.Register("db", "delete", Policy{Mutating: true, Cacheable: true}), ErrMutatingCacheable)
	_, ok := c.Lookup("db", "delete")
	assert.False(t, ok)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	svc := Service{Name: "s", Dialer: NewFuncService(), PoolSize: 1}

	tests := []struct {
		name     string
		cfg      func(*Config)
		services []Service
	}{
		{name: "zero cache", cfg: func(c *Config) { c.ResultCacheSize = 0 }},
		{name: "zero attempts", cfg: func(c *Config) { c.MaxAttempts = 0 }},
		{name: "zero acquire timeout", cfg: func(c *Config) { c.AcquireTimeout = 0 }},
		{name: "inverted backoff", cfg: func(c *Config) { c.MaxBackoff = c.InitialBackoff / 2 }},
		{name: "unnamed service", services: []Service{{Dialer: NewFuncService(), PoolSize: 1}}},
		{name: "no dialer", services: []Service{{Name: "s", PoolSize: 1}}},
		{name: "zero pool", services: []Service{{Name: "s", Dialer: NewFuncService()}}},
		{name: "duplicate", services: []Service{svc, svc}},
		{name: "negative rate", services: []Service{{Name: "s", Dialer: NewFuncService(), PoolSize: 1, RateLimit: -1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			_, err := New(cfg, tt.services)
			assert.ErrorIs(t, err, ErrServiceMisconfigured)
		})
	}
}

func TestInvoke_RateLimited(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	b := newBridge(t, testConfig(), Service{
		Name:     "calc",
		Dialer:   NewFuncService().Handle("add", addHandler(&calls)).Handle("sub", addHandler(&calls)),
		PoolSize: 1,
		Operations: map[string]Policy{
			"add": {RateLimit: 1, Burst: 1},
		},
	})
	ctx := context.Background()

	_, err := b.Invoke(ctx, "calc", "add", json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = b.Invoke(ctx, "calc", "add", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrRateLimited)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindRateLimited, be.ErrorKind())
	assert.Equal(t, int64(1), calls.Load(), "a rate limited call never reaches the service")
	assert.Equal(t, int32(0), b.Stats().Pools["calc"].Acquired, "the connection is released")

	_, err = b.Invoke(ctx, "calc", "sub", json.RawMessage(`{}`))
	assert.NoError(t, err, "limits are per operation")
}

func TestInvoke_ServiceRateLimitDefault(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	b := newBridge(t, testConfig(), Service{
		Name:      "calc",
		Dialer:    NewFuncService().Handle("add", addHandler(&calls)),
		PoolSize:  1,
		RateLimit: 0.001,
		Burst:     2,
	})

	for i := 0; i < 2; i++ {
		_, err := b.Invoke(context.Background(), "calc", "add", nil)
		require.NoError(t, err)
	}
	_, err := b.Invoke(context.Background(), "calc", "add", nil)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestInvoke_PoolExhausted(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	svc := NewFuncService().Handle("slow", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		close(entered)
		<-release
		return json.RawMessage(`true`), nil
	})

	cfg := testConfig()
	cfg.AcquireTimeout = 20 * time.Millisecond
	b := newBridge(t, cfg, Service{Name: "svc", Dialer: svc, PoolSize: 1})

	done := make(chan error, 1)
	go func() {
		_, err := b.Invoke(context.Background(), "svc", "slow", nil)
		done <- err
	}()
	<-entered

	_, err := b.Invoke(context.Background(), "svc", "slow", nil)
	require.ErrorIs(t, err, ErrPoolExhausted)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(0), b.Stats().Pools["svc"].Acquired)
}

func TestInvoke_Retries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		failures      int
		err           error
		wantErr       error
		wantTransient bool
		wantCalls     int64
	}{
		{name: "recovers from transient failures", failures: 2, err: Transient(errors.New("connection reset")), wantCalls: 3},
		{name: "exhausts attempts", failures: 10, err: Transient(errors.New("connection reset")), wantErr: ErrUpstream, wantTransient: true, wantCalls: 3},
		{name: "permanent failure is not retried", failures: 10, err: errors.New("invalid argument"), wantErr: ErrUpstream, wantCalls: 1},
		{name: "unknown operation is permanent", failures: 10, err: ErrUnknownOperation, wantErr: ErrUpstream, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls, dials atomic.Int64
			fn := NewFuncService().Handle("op", func(context.Context, json.RawMessage) (json.RawMessage, error) {
				if calls.Add(1) <= int64(tt.failures) {
					return nil, tt.err
				}
				return json.RawMessage(`"done"`), nil
			})
			dialer := DialerFunc(func(ctx context.Context) (Connection, error) {
				dials.Add(1)
				return fn.Dial(ctx)
			})

			rec := &recorder{}
			b, err := New(testConfig(), []Service{{Name: "svc", Dialer: dialer, PoolSize: 1}}, WithMetrics(rec))
			require.NoError(t, err)
			t.Cleanup(b.Close)

			out, err := b.Invoke(context.Background(), "svc", "op", nil)
			assert.Equal(t, tt.wantCalls, calls.Load())
			assert.Equal(t, uint64(tt.wantCalls), b.Stats().UpstreamCalls)
			assert.Equal(t, int(tt.wantCalls-1), rec.retries)

			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, `"done"`, string(out))
				assert.Equal(t, tt.wantCalls, dials.Load(), "transiently failed connections are replaced")
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			var be *Error
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.wantTransient, be.Transient)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestInvoke_Timeouts(t *testing.T) {
	t.Parallel()

	blocking := NewFuncService().Handle("wait", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	t.Run("call timeout", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig()
		cfg.CallTimeout = 30 * time.Millisecond
		b := newBridge(t, cfg, Service{Name: "svc", Dialer: blocking, PoolSize: 1})

		_, err := b.Invoke(context.Background(), "svc", "wait", nil)
		require.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, uint64(1), b.Stats().UpstreamCalls, "timeouts are not retried")
		assertReleased(t, b, "svc")
	})

	t.Run("caller cancellation", func(t *testing.T) {
		t.Parallel()

		b := newBridge(t, testConfig(), Service{Name: "svc", Dialer: blocking, PoolSize: 1})
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		_, err := b.Invoke(ctx, "svc", "wait", nil)
		require.ErrorIs(t, err, ErrTimeout)
		assertReleased(t, b, "svc")
	})

	t.Run("cacheable call abandoned by caller", func(t *testing.T) {
		t.Parallel()

		b := newBridge(t, testConfig(), Service{
			Name:       "svc",
			Dialer:     blocking,
			PoolSize:   1,
			Operations: map[string]Policy{"wait": {Cacheable: true}},
		})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := b.Invoke(ctx, "svc", "wait", nil)
		require.ErrorIs(t, err, ErrTimeout)
		assert.Zero(t, b.Stats().CachedResults)
	})
}

func TestInvoke_ConcurrentIdenticalCallsShareUpstream(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	svc := NewFuncService().Handle("slow_add", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		time.Sleep(50 * time.Millisecond)
		return addHandler(&calls)(ctx, args)
	})
	b := newBridge(t, testConfig(), Service{
		Name:       "calc",
		Dialer:     svc,
		PoolSize:   4,
		Operations: map[string]Policy{"slow_add": {Cacheable: true}},
	})

	const callers = 10
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			args := `{"a":20,"b":22}`
			if i%2 == 0 {
				args = `{"b":22,"a":20}`
			}
			out, err := b.Invoke(context.Background(), "calc", "slow_add", json.RawMessage(args))
			assert.NoError(t, err)
			assert.Equal(t, "42", string(out))
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, uint64(1), b.Stats().UpstreamCalls)
}

func TestInvoke_SharedCallSurvivesCancelledCaller(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	entered := make(chan struct{}, 1)
	svc := NewFuncService().Handle("slow_add", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return addHandler(&calls)(ctx, args)
	})
	b := newBridge(t, testConfig(), Service{
		Name:       "calc",
		Dialer:     svc,
		PoolSize:   2,
		Operations: map[string]Policy{"slow_add": {Cacheable: true}},
	})
	args := json.RawMessage(`{"a":20,"b":22}`)

	ctx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := b.Invoke(ctx, "calc", "slow_add", args)
		leaderErr <- err
	}()
	<-entered
	time.AfterFunc(20*time.Millisecond, cancel)

	out, err := b.Invoke(context.Background(), "calc", "slow_add", args)
	require.NoError(t, err)
	assert.Equal(t, "42", string(out))
	assert.ErrorIs(t, <-leaderErr, ErrTimeout)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, uint64(1), b.Stats().UpstreamCalls)
}

func TestInvoke_ResultTTL(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	cfg := testConfig()
	cfg.ResultTTL = 30 * time.Millisecond
	b := newBridge(t, cfg, Service{
		Name:       "calc",
		Dialer:     NewFuncService().Handle("add", addHandler(&calls)),
		PoolSize:   1,
		Operations: map[string]Policy{"add": {Cacheable: true}},
	})
	ctx := context.Background()

	_, err := b.Invoke(ctx, "calc", "add", nil)
	require.NoError(t, err)
	_, err = b.Invoke(ctx, "calc", "add", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	time.Sleep(60 * time.Millisecond)
	_, err = b.Invoke(ctx, "calc", "add", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load(), "expired results are fetched again")
}

func TestInvoke_ResultCacheIsBounded(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	cfg := testConfig()
	cfg.ResultCacheSize = 2
	b := newBridge(t, cfg, Service{
		Name:       "calc",
		Dialer:     NewFuncService().Handle("add", addHandler(&calls)),
		PoolSize:   1,
		Operations: map[string]Policy{"add": {Cacheable: true}},
	})

	for i := 0; i < 3; i++ {
		_, err := b.Invoke(context.Background(), "calc", "add", json.RawMessage(fmt.Sprintf(`{"a":%d}`, i)))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, b.Stats().CachedResults)

	_, err := b.Invoke(context.Background(), "calc", "add", json.RawMessage(`{"a":0}`))
	require.NoError(t, err)
	assert.Equal(t, int64(4), calls.Load(), "the least recently used result was evicted")
}

func TestInvoke_RequestErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	b := newBridge(t, testConfig(), Service{
		Name:     "calc",
		Dialer:   NewFuncService().Handle("add", addHandler(&calls)),
		PoolSize: 1,
	})

	_, err := b.Invoke(context.Background(), "nope", "add", nil)
	assert.ErrorIs(t, err, ErrUnknownService)

	_, err = b.Invoke(context.Background(), "calc", "add", json.RawMessage(`{"a":`))
	assert.ErrorIs(t, err, ErrInvalidArgs)
	assert.Zero(t, calls.Load())
	assert.Equal(t, []string{"calc"}, b.Services())
}

func TestClose(t *testing.T) {
	t.Parallel()

	var closed atomic.Int64
	dialer := DialerFunc(func(context.Context) (Connection, error) {
		return closeCounter{closed: &closed}, nil
	})
	b, err := New(testConfig(), []Service{{Name: "svc", Dialer: dialer, PoolSize: 1}})
	require.NoError(t, err)

	_, err = b.Invoke(context.Background(), "svc", "op", nil)
	require.NoError(t, err)

	b.Close()
	b.Close()
	assert.Equal(t, int64(1), closed.Load(), "pooled connections are closed")

	_, err = b.Invoke(context.Background(), "svc", "op", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

type closeCounter struct{ closed *atomic.Int64 }

func (closeCounter) Call(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`null`), nil
}

func (c closeCounter) Close() error {
	c.closed.Add(1)
	return nil
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransient(Transient(errors.New("x"))))
	assert.True(t, IsTransient(fmt.Errorf("read: %w", context.DeadlineExceeded)))
	assert.False(t, IsTransient(errors.New("bad request")))
	assert.False(t, IsTransient(ErrUnknownOperation))
	assert.Nil(t, Transient(nil))
}
