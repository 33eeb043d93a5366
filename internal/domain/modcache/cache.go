// Package modcache caches compiled modules by the content hash of their raw
// bytes. Concurrent misses on one hash compile once, entries are evicted in
// LRU order under an entry and byte budget, and callers hold reference
// counted handles so an evicted artifact is closed only after its last user
// releases it.
package modcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/felixgeelhaar/moat/internal/ports"
)

// ErrClosed is returned by GetOrCompile after Close.
var ErrClosed = errors.New("module cache closed")

// maxAcquireAttempts bounds retries when a freshly compiled entry is evicted
// before the caller could retain it.
const maxAcquireAttempts = 3

// Artifact is a compiled module owned by the cache.
type Artifact interface {
	Close(ctx context.Context) error
}

// CompileFunc turns raw module bytes into an Artifact.
type CompileFunc[T Artifact] func(ctx context.Context, code []byte) (T, error)

// Config bounds the cache.
type Config struct {
	// MaxEntries is the maximum number of cached modules.
	MaxEntries int

	// MaxBytes is the maximum total size of cached module sources.
	MaxBytes int64
}

// DefaultConfig returns the default cache budget.
func DefaultConfig() Config {
	return Config{
		MaxEntries: 128,
		MaxBytes:   256 * 1024 * 1024, // 256 MB
	}
}

// Key is the sha256 content hash of a module.
type Key [sha256.Size]byte

// KeyOf hashes raw module bytes.
func KeyOf(code []byte) Key {
	return sha256.Sum256(code)
}

// String returns the hex form of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits         uint64
	Misses       uint64
	Compilations uint64
	Evictions    uint64
	Entries      int
	Bytes        int64
}

type entry[T Artifact] struct {
	key      Key
	artifact T
	size     int64
	lastUsed time.Time
	refs     int
	cached   bool
	closed   bool
}

// Cache maps module content hashes to compiled artifacts.
type Cache[T Artifact] struct {
	cfg     Config
	compile CompileFunc[T]
	logger  ports.Logger
	group   singleflight.Group

	mu     sync.Mutex
	lru    *simplelru.LRU[Key, *entry[T]]
	bytes  int64
	closed bool

	hits         atomic.Uint64
	misses       atomic.Uint64
	compilations atomic.Uint64
	evictions    atomic.Uint64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	logger ports.Logger
}

// WithLogger sets the logger for compile and eviction events.
func WithLogger(l ports.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// New creates a cache that compiles misses with compile.
func New[T Artifact](cfg Config, compile CompileFunc[T], opts ...Option) (*Cache[T], error) {
	if cfg.MaxEntries <= 0 {
		return nil, errors.New("module cache: MaxEntries must be positive")
	}
	if cfg.MaxBytes <= 0 {
		return nil, errors.New("module cache: MaxBytes must be positive")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[T]{cfg: cfg, compile: compile, logger: o.logger}
	lru, err := simplelru.NewLRU[Key, *entry[T]](cfg.MaxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = lru
	return c, nil
}

// GetOrCompile returns a handle to the compiled form of code, compiling it on
// a miss. Callers must Release the handle when the execution ends.
func (c *Cache[T]) GetOrCompile(ctx context.Context, code []byte) (*Handle[T], error) {
	key := KeyOf(code)

	if h, err := c.lookup(key); h != nil || err != nil {
		if h != nil {
			c.hits.Add(1)
			h.hit = true
		}
		return h, err
	}
	c.misses.Add(1)

	// Compilation is shared, so it runs detached from any one caller. Each
	// caller waits only as long as its own ctx allows.
	shared := context.WithoutCancel(ctx)
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		ch := c.group.DoChan(key.String(), func() (interface{}, error) {
			return c.compileAndInsert(shared, key, code)
		})
		select {
		case r := <-ch:
			if r.Err != nil {
				return nil, r.Err
			}
			if h := c.retain(r.Val.(*entry[T])); h != nil {
				return h, nil
			}
		case <-ctx.Done():
			go c.abandon(ch)
			return nil, ctx.Err()
		}
	}
	return nil, errors.New("module cache: compiled entry evicted before use")
}

// abandon settles a compilation nobody waits for any more. An artifact too
// large to cache would otherwise never be closed.
func (c *Cache[T]) abandon(ch <-chan singleflight.Result) {
	r := <-ch
	if r.Err != nil {
		return
	}
	if h := c.retain(r.Val.(*entry[T])); h != nil {
		h.Release()
	}
}

// Contains reports whether code is cached, without touching recency.
func (c *Cache[T]) Contains(code []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(KeyOf(code))
}

// Stats returns current counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	entries, bytes := c.lru.Len(), c.bytes
	c.mu.Unlock()

	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Compilations: c.compilations.Load(),
		Evictions:    c.evictions.Load(),
		Entries:      entries,
		Bytes:        bytes,
	}
}

// Purge evicts every entry. Artifacts still referenced by a handle are
// closed when that handle is released.
func (c *Cache[T]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Close purges the cache and rejects further lookups.
func (c *Cache[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.lru.Purge()
}

func (c *Cache[T]) lookup(key Key) (*Handle[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, nil
	}
	return c.retainLocked(e), nil
}

func (c *Cache[T]) compileAndInsert(ctx context.Context, key Key, code []byte) (*entry[T], error) {
	c.mu.Lock()
	if e, ok := c.lru.Get(key); ok {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	start := time.Now()
	artifact, err := c.compile(ctx, code)
	if err != nil {
		return nil, err
	}
	c.compilations.Add(1)

	e := &entry[T]{key: key, artifact: artifact, size: int64(len(code)), lastUsed: time.Now()}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		_ = artifact.Close(context.Background())
		return nil, ErrClosed
	}

	if e.size > c.cfg.MaxBytes {
		// Served once, never cached.
		c.debug(ctx, "module exceeds cache budget", ports.F("hash", key.String()), ports.F("size", e.size))
		return e, nil
	}

	e.cached = true
	c.lru.Add(key, e)
	c.bytes += e.size
	for c.bytes > c.cfg.MaxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}

	c.debug(ctx, "module compiled",
		ports.F("hash", key.String()),
		ports.F("size", e.size),
		ports.F("duration", time.Since(start).String()),
	)
	return e, nil
}

func (c *Cache[T]) retain(e *entry[T]) *Handle[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retainLocked(e)
}

func (c *Cache[T]) retainLocked(e *entry[T]) *Handle[T] {
	if e.closed {
		return nil
	}
	e.refs++
	e.lastUsed = time.Now()
	return &Handle[T]{cache: c, entry: e}
}

func (c *Cache[T]) release(e *entry[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.refs--
	if e.refs == 0 && !e.cached {
		c.closeLocked(e)
	}
}

// onEvict runs under c.mu from inside the LRU.
func (c *Cache[T]) onEvict(key Key, e *entry[T]) {
	c.bytes -= e.size
	c.evictions.Add(1)
	e.cached = false
	if e.refs == 0 {
		c.closeLocked(e)
	}
	c.debug(context.Background(), "module evicted", ports.F("hash", key.String()), ports.F("in_use", e.refs > 0))
}

func (c *Cache[T]) closeLocked(e *entry[T]) {
	if e.closed {
		return
	}
	e.closed = true
	_ = e.artifact.Close(context.Background())
}

func (c *Cache[T]) debug(ctx context.Context, msg string, fields ...ports.Field) {
	if c.logger != nil {
		c.logger.Debug(ctx, msg, fields...)
	}
}

// Handle is a reference to a cached artifact, valid until Release.
type Handle[T Artifact] struct {
	cache *Cache[T]
	entry *entry[T]
	hit   bool
	once  sync.Once
}

// Artifact returns the compiled module.
func (h *Handle[T]) Artifact() T {
	return h.entry.artifact
}

// Key returns the content hash the artifact was compiled from.
func (h *Handle[T]) Key() Key {
	return h.entry.key
}

// Hit reports whether the handle was served without compiling.
func (h *Handle[T]) Hit() bool {
	return h.hit
}

// Release drops the reference. It is safe to call more than once.
func (h *Handle[T]) Release() {
	h.once.Do(func() {
		h.cache.release(h.entry)
	})
}
