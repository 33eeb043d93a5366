package modcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArtifact struct {
	code   string
	closed atomic.Int32
}

func (a *fakeArtifact) Close(_ context.Context) error {
	a.closed.Add(1)
	return nil
}

type compiler struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	last  atomic.Pointer[fakeArtifact]
}

func (c *compiler) compile(_ context.Context, code []byte) (*fakeArtifact, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.err != nil {
		return nil, c.err
	}
	a := &fakeArtifact{code: string(code)}
	c.last.Store(a)
	return a, nil
}

func newCache(t *testing.T, cfg Config, c *compiler) *Cache[*fakeArtifact] {
	t.Helper()
	cache, err := New[*fakeArtifact](cfg, c.compile)
	require.NoError(t, err)
	return cache
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	c := &compiler{}
	_, err := New[*fakeArtifact](Config{MaxEntries: 0, MaxBytes: 10}, c.compile)
	require.Error(t, err)

	_, err = New[*fakeArtifact](Config{MaxEntries: 1, MaxBytes: 0}, c.compile)
	require.Error(t, err)
}

func TestKeyOf(t *testing.T) {
	t.Parallel()

	a := KeyOf([]byte("module"))
	b := KeyOf([]byte("module"))
	c := KeyOf([]byte("other"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a.String(), 64)
}

func TestCache_HitDoesNotRecompile(t *testing.T) {
	t.Parallel()

	c := &compiler{}
	cache := newCache(t, DefaultConfig(), c)
	ctx := context.Background()

	h1, err := cache.GetOrCompile(ctx, []byte("code"))
	require.NoError(t, err)
	assert.False(t, h1.Hit())

	h2, err := cache.GetOrCompile(ctx, []byte("code"))
	require.NoError(t, err)
	assert.True(t, h2.Hit())

	assert.Same(t, h1.Artifact(), h2.Artifact())
	assert.Equal(t, h1.Key(), h2.Key())
	assert.Equal(t, int32(1), c.calls.Load())

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Compilations)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(4), stats.Bytes)

	h1.Release()
	h2.Release()
	assert.Zero(t, h1.Artifact().closed.Load())
	assert.True(t, cache.Contains([]byte("code")))
}

func TestCache_SingleFlight(t *testing.T) {
	t.Parallel()

	c := &compiler{delay: 50 * time.Millisecond}
	cache := newCache(t, DefaultConfig(), c)

	const workers = 16
	var wg sync.WaitGroup
	handles := make([]*Handle[*fakeArtifact], workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = cache.GetOrCompile(context.Background(), []byte("shared"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0].Artifact(), handles[i].Artifact())
		handles[i].Release()
	}
	assert.Equal(t, int32(1), c.calls.Load())
	assert.Equal(t, uint64(1), cache.Stats().Compilations)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c := &compiler{}
	cache := newCache(t, Config{MaxEntries: 2, MaxBytes: 1024}, c)
	ctx := context.Background()

	get := func(code string) *fakeArtifact {
		h, err := cache.GetOrCompile(ctx, []byte(code))
		require.NoError(t, err)
		h.Release()
		return h.Artifact()
	}

	a := get("a")
	get("b")
	get("a") // a becomes most recent
	b := cache.Contains([]byte("b"))
	require.True(t, b)
	get("c")

	assert.True(t, cache.Contains([]byte("a")))
	assert.False(t, cache.Contains([]byte("b")))
	assert.True(t, cache.Contains([]byte("c")))
	assert.Zero(t, a.closed.Load())

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int32(3), c.calls.Load())
}

func TestCache_EvictsByBytes(t *testing.T) {
	t.Parallel()

	c := &compiler{}
	cache := newCache(t, Config{MaxEntries: 10, MaxBytes: 10}, c)
	ctx := context.Background()

	for _, code := range []string{"aaaa", "bbbb", "cccc"} {
		h, err := cache.GetOrCompile(ctx, []byte(code))
		require.NoError(t, err)
		h.Release()
	}

	stats := cache.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(8), stats.Bytes)
	assert.False(t, cache.Contains([]byte("aaaa")))
}

func TestCache_OversizedModuleIsNotCached(t *testing.T) {
	t.Parallel()

	c := &compiler{}
	cache := newCache(t, Config{MaxEntries: 10, MaxBytes: 3}, c)

	h, err := cache.GetOrCompile(context.Background(), []byte("toolarge"))
	require.NoError(t, err)
	assert.False(t, cache.Contains([]byte("toolarge")))
	assert.Zero(t, h.Artifact().closed.Load())

	h.Release()
	assert.Equal(t, int32(1), h.Artifact().closed.Load())
}

func TestCache_EvictedArtifactClosedAfterRelease(t *testing.T) {
	t.Parallel()

	c := &compiler{}
	cache := newCache(t, Config{MaxEntries: 1, MaxBytes: 1024}, c)
	ctx := context.Background()

	held, err := cache.GetOrCompile(ctx, []byte("first"))
	require.NoError(t, err)

	other, err := cache.GetOrCompile(ctx, []byte("second"))
	require.NoError(t, err)
	other.Release()

	assert.False(t, cache.Contains([]byte("first")))
	assert.Zero(t, held.Artifact().closed.Load(), "held artifact must stay open")

	held.Release()
	held.Release()
	assert.Equal(t, int32(1), held.Artifact().closed.Load())
}

func TestCache_CompileErrorNotCached(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	c := &compiler{err: boom}
	cache := newCache(t, DefaultConfig(), c)
	ctx := context.Background()

	_, err := cache.GetOrCompile(ctx, []byte("bad"))
	require.ErrorIs(t, err, boom)
	_, err = cache.GetOrCompile(ctx, []byte("bad"))
	require.ErrorIs(t, err, boom)

	assert.Equal(t, int32(2), c.calls.Load())
	assert.Zero(t, cache.Stats().Entries)
}

func TestCache_PurgeAndClose(t *testing.T) {
	t.Parallel()

	c := &compiler{}
	cache := newCache(t, DefaultConfig(), c)
	ctx := context.Background()

	h, err := cache.GetOrCompile(ctx, []byte("x"))
	require.NoError(t, err)
	h.Release()

	cache.Purge()
	assert.Zero(t, cache.Stats().Entries)
	assert.Equal(t, int32(1), h.Artifact().closed.Load())

	cache.Close()
	_, err = cache.GetOrCompile(ctx, []byte("x"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestCache_WaiterBoundedByOwnContext(t *testing.T) {
	t.Parallel()

	c := &compiler{delay: 300 * time.Millisecond}
	cache := newCache(t, DefaultConfig(), c)
	code := []byte("slow")

	leader := make(chan error, 1)
	go func() {
		h, err := cache.GetOrCompile(context.Background(), code)
		if err == nil {
			h.Release()
		}
		leader <- err
	}()
	require.Eventually(t, func() bool { return c.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := cache.GetOrCompile(ctx, code)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	require.NoError(t, <-leader)
	assert.Equal(t, int32(1), c.calls.Load())
	assert.True(t, cache.Contains(code))
}

func TestCache_AbandonedOversizedArtifactIsClosed(t *testing.T) {
	t.Parallel()

	c := &compiler{delay: 100 * time.Millisecond}
	cache := newCache(t, Config{MaxEntries: 4, MaxBytes: 2}, c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := cache.GetOrCompile(ctx, []byte("too large"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		a := c.last.Load()
		return a != nil && a.closed.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, cache.Stats().Entries)
}
