package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daarshnicsanjeev/omni-visual/internal/fingerprint"
	"github.com/daarshnicsanjeev/omni-visual/internal/metrics"
	"github.com/daarshnicsanjeev/omni-visual/internal/telemetry"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

type Config struct {
	TTL time.Duration
	// MaxEntries bounds the cache; the least recently used entry is evicted
	// first. Zero means unbounded.
	MaxEntries int
}

// FetchFunc produces the value for a missing key.
type FetchFunc[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache maps request fingerprints to results for a fixed TTL. Concurrent
// misses for the same fingerprint share one fetch. Failures are never stored.
type Cache[V any] struct {
	name string
	cfg  Config

	// mu orders stores against Clear.
	mu         sync.Mutex
	generation uint64
	entries    *lru.Cache[fingerprint.Fingerprint, entry[V]]
	flights    singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	observer metrics.Observer
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*options)

type options struct {
	observer metrics.Observer
	logger   *slog.Logger
	now      func() time.Time
}

func WithObserver(o metrics.Observer) Option {
	return func(opts *options) {
		if o != nil {
			opts.observer = o
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(opts *options) {
		if now != nil {
			opts.now = now
		}
	}
}

func New[V any](name string, cfg Config, opts ...Option) (*Cache[V], error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("invalid %s cache ttl: %s", name, cfg.TTL)
	}
	if cfg.MaxEntries < 0 {
		return nil, fmt.Errorf("invalid %s cache max entries: %d", name, cfg.MaxEntries)
	}

	o := options{
		observer: metrics.NopObserver{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	size := cfg.MaxEntries
	if size == 0 {
		size = math.MaxInt32
	}
	entries, err := lru.New[fingerprint.Fingerprint, entry[V]](size)
	if err != nil {
		return nil, fmt.Errorf("create %s cache: %w", name, err)
	}

	return &Cache[V]{
		name:     name,
		cfg:      cfg,
		entries:  entries,
		observer: o.observer,
		logger:   o.logger.With("cache", name),
		now:      o.now,
	}, nil
}

func (c *Cache[V]) Name() string {
	return c.name
}

// GetOrFetch returns the cached value for fp or runs fetch to produce it. A
// caller that joins an in-flight fetch and gives up first gets
// upstream.ErrCancelled; the fetch continues for the others. The fetch runs
// on the first caller's context, so cancelling that caller fails every
// joined waiter with upstream.ErrCancelled.
func (c *Cache[V]) GetOrFetch(ctx context.Context, fp fingerprint.Fingerprint, fetch FetchFunc[V]) (V, error) {
	if v, ok := c.lookup(ctx, fp); ok {
		return v, nil
	}

	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()

	var led atomic.Bool
	key := fmt.Sprintf("%s/%d", fp, gen)
	ch := c.flights.DoChan(key, func() (any, error) {
		led.Store(true)
		return c.fill(ctx, fp, gen, fetch)
	})

	var zero V
	select {
	case res := <-ch:
		if !led.Load() {
			c.observer.CacheLookup(ctx, c.name, metrics.CacheShared)
			telemetry.CacheLookup(ctx, c.name, metrics.CacheShared)
			c.logger.DebugContext(ctx, "joined in-flight fetch", "fingerprint", fp.Short())
		}
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		return zero, upstream.Cancelled(ctx.Err())
	}
}

func (c *Cache[V]) lookup(ctx context.Context, fp fingerprint.Fingerprint) (V, bool) {
	e, ok := c.entries.Get(fp)
	if ok && c.fresh(e) {
		c.hits.Add(1)
		c.observer.CacheLookup(ctx, c.name, metrics.CacheHit)
		telemetry.CacheLookup(ctx, c.name, metrics.CacheHit)
		c.logger.DebugContext(ctx, "cache hit", "fingerprint", fp.Short())
		return e.value, true
	}

	c.misses.Add(1)
	if ok {
		c.removeStale(fp, e)
		c.observer.CacheLookup(ctx, c.name, metrics.CacheExpired)
		telemetry.CacheLookup(ctx, c.name, metrics.CacheExpired)
		c.logger.DebugContext(ctx, "cache entry expired", "fingerprint", fp.Short())
	} else {
		c.observer.CacheLookup(ctx, c.name, metrics.CacheMiss)
		telemetry.CacheLookup(ctx, c.name, metrics.CacheMiss)
		c.logger.DebugContext(ctx, "cache miss", "fingerprint", fp.Short())
	}

	var zero V
	return zero, false
}

func (c *Cache[V]) fresh(e entry[V]) bool {
	return c.now().Sub(e.storedAt) < c.cfg.TTL
}

// removeStale drops the expired entry e unless a newer one replaced it after
// it was read.
func (c *Cache[V]) removeStale(fp fingerprint.Fingerprint, e entry[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries.Peek(fp); ok && cur.storedAt.Equal(e.storedAt) {
		c.entries.Remove(fp)
	}
}

func (c *Cache[V]) fill(ctx context.Context, fp fingerprint.Fingerprint, gen uint64, fetch FetchFunc[V]) (v V, err error) {
	// A previous flight may have stored the value after our lookup.
	if e, ok := c.entries.Peek(fp); ok && c.fresh(e) {
		return e.value, nil
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s cache fetch panicked: %v", c.name, r)
		}
		c.observer.CacheFetch(ctx, c.name, time.Since(start), err)
	}()

	v, err = fetch(ctx)
	if err != nil {
		err = upstream.Cancelled(err)
		c.logger.DebugContext(ctx, "fetch failed, nothing cached",
			"fingerprint", fp.Short(),
			"error", err,
		)
		return v, err
	}

	c.store(ctx, fp, gen, v)
	return v, nil
}

func (c *Cache[V]) store(ctx context.Context, fp fingerprint.Fingerprint, gen uint64, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		c.logger.DebugContext(ctx, "dropping result fetched before clear", "fingerprint", fp.Short())
		return
	}

	if evicted := c.entries.Add(fp, entry[V]{value: v, storedAt: c.now()}); evicted {
		c.evictions.Add(1)
		c.observer.CacheEviction(ctx, c.name)
		c.logger.DebugContext(ctx, "evicted least recently used entry")
	}
}

// Invalidate removes the entry for fp and reports whether one existed.
func (c *Cache[V]) Invalidate(fp fingerprint.Fingerprint) bool {
	return c.entries.Remove(fp)
}

// Clear drops every entry. Fetches already in flight still answer their
// callers but their results are not stored.
func (c *Cache[V]) Clear(ctx context.Context) {
	c.mu.Lock()
	n := c.entries.Len()
	c.entries.Purge()
	c.generation++
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "cache cleared", "entries", n)
}

type Stats struct {
	Name       string        `json:"name"`
	Hits       int64         `json:"hits"`
	Misses     int64         `json:"misses"`
	Evictions  int64         `json:"evictions"`
	Size       int           `json:"size"`
	MaxEntries int           `json:"max_entries"`
	TTL        time.Duration `json:"ttl_ns"`
	HitRate    float64       `json:"hit_rate"`
}

func (c *Cache[V]) Stats() Stats {
	s := Stats{
		Name:       c.name,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		Size:       c.entries.Len(),
		MaxEntries: c.cfg.MaxEntries,
		TTL:        c.cfg.TTL,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Admin is the value-independent view of a cache used by operational
// endpoints.
type Admin interface {
	Name() string
	Stats() Stats
	Clear(ctx context.Context)
}

var _ Admin = (*Cache[[]byte])(nil)
