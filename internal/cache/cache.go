// Package cache provides the shared expiring caches for per-level ratings and
// high-score tables. The core guarantee is single flight: at most one
// recomputation per key is in flight at any time, with every concurrent
// requester sharing its result.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"skirmish/master/internal/logging"
)

// Fetcher recomputes the value for a key, typically against the game store.
// It runs on its own goroutine, never under the cache lock.
type Fetcher[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Deliver hands a computed value (or the error that replaced it) back to the
// session that asked for it.
type Deliver[V any] func(value V, err error)

type waiter[V any] struct {
	sessionID string
	deliver   Deliver[V]
}

type entry[V any] struct {
	value       V
	hasValue    bool
	refreshedAt time.Time
	touchedAt   time.Time
	busy        bool
	waiters     []waiter[V]
}

// Option customises cache construction.
type Option[K comparable, V any] func(*Cache[K, V])

// WithClock overrides the wall clock, enabling deterministic tests.
func WithClock[K comparable, V any](clock func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithAliveCheck installs the predicate used to drop waiters whose session
// vanished before delivery.
func WithAliveCheck[K comparable, V any](alive func(sessionID string) bool) Option[K, V] {
	return func(c *Cache[K, V]) {
		if alive != nil {
			c.alive = alive
		}
	}
}

// WithSweepInterval overrides the cadence of the eviction sweep.
func WithSweepInterval[K comparable, V any](interval time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) {
		if interval > 0 {
			c.sweepEvery = interval
		}
	}
}

// Cache is an expiring, shared cache with per-key single-flight refresh.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]

	fetch      Fetcher[K, V]
	freshness  time.Duration
	eviction   time.Duration
	sweepEvery time.Duration
	now        func() time.Time
	alive      func(sessionID string) bool
	logger     *logging.Logger
}

// New constructs a cache. Values older than freshness trigger a background
// refresh; entries untouched for longer than eviction are swept away.
func New[K comparable, V any](fetch Fetcher[K, V], freshness, eviction time.Duration, logger *logging.Logger, opts ...Option[K, V]) *Cache[K, V] {
	if freshness <= 0 {
		freshness = time.Minute
	}
	if eviction <= 0 {
		eviction = 10 * time.Minute
	}
	c := &Cache[K, V]{
		entries:    make(map[K]*entry[V]),
		fetch:      fetch,
		freshness:  freshness,
		eviction:   eviction,
		sweepEvery: time.Minute,
		now:        time.Now,
		alive:      func(string) bool { return true },
		logger:     logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Get serves the value for key following the stale-while-revalidate contract:
// a fresh value is delivered immediately; a stale value is delivered
// immediately while one refresh starts in the background; a cold miss or an
// in-flight refresh enqueues the caller as a waiter for the fresh value.
func (c *Cache[K, V]) Get(ctx context.Context, key K, sessionID string, deliver Deliver[V]) {
	if c == nil || deliver == nil {
		return
	}
	now := c.now()

	c.mu.Lock()
	ent, ok := c.entries[key]
	if !ok {
		ent = &entry[V]{}
		c.entries[key] = ent
	}
	ent.touchedAt = now

	switch {
	case ent.hasValue && now.Sub(ent.refreshedAt) < c.freshness:
		//1.- Fresh hit: answer on the caller's path, no refresh needed.
		value := ent.value
		c.mu.Unlock()
		deliver(value, nil)
		return
	case ent.busy:
		//2.- A recomputation is already in flight; join the waiter queue.
		ent.waiters = append(ent.waiters, waiter[V]{sessionID: sessionID, deliver: deliver})
		c.mu.Unlock()
		return
	case ent.hasValue:
		//3.- Stale hit: serve the old value now and refresh once in the background.
		ent.busy = true
		value := ent.value
		c.mu.Unlock()
		deliver(value, nil)
		go c.refresh(ctx, key)
		return
	default:
		//4.- Cold miss: the caller waits for the first computation like everyone after it.
		ent.busy = true
		ent.waiters = append(ent.waiters, waiter[V]{sessionID: sessionID, deliver: deliver})
		c.mu.Unlock()
		go c.refresh(ctx, key)
		return
	}
}

func (c *Cache[K, V]) refresh(ctx context.Context, key K) {
	value, err := c.fetch(ctx, key)

	c.mu.Lock()
	ent, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	ent.busy = false
	if err == nil {
		ent.value = value
		ent.hasValue = true
		ent.refreshedAt = c.now()
	}
	waiters := ent.waiters
	ent.waiters = nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("cache refresh failed", logging.Error(err))
	}
	//1.- Notify waiters in arrival order, skipping sessions that vanished meanwhile.
	for _, w := range waiters {
		if w.sessionID != "" && !c.alive(w.sessionID) {
			continue
		}
		w.deliver(value, err)
	}
}

// Invalidate forces the next Get for key to recompute, without touching any
// refresh currently in flight.
func (c *Cache[K, V]) Invalidate(key K) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if ent, ok := c.entries[key]; ok && !ent.busy {
		ent.refreshedAt = time.Time{}
	}
	c.mu.Unlock()
}

// Sweep evicts entries untouched for longer than the eviction window. Entries
// with a refresh in flight are left alone so their waiters stay reachable.
func (c *Cache[K, V]) Sweep() int {
	if c == nil {
		return 0
	}
	cutoff := c.now().Add(-c.eviction)
	evicted := 0
	c.mu.Lock()
	for key, ent := range c.entries {
		if ent.busy || len(ent.waiters) > 0 {
			continue
		}
		if ent.touchedAt.Before(cutoff) {
			delete(c.entries, key)
			evicted++
		}
	}
	c.mu.Unlock()
	return evicted
}

// Len reports how many entries the cache currently holds.
func (c *Cache[K, V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run drives the eviction sweep until the context is cancelled.
func (c *Cache[K, V]) Run(ctx context.Context) error {
	if c == nil {
		return errors.New("nil cache")
	}
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Sweep()
		}
	}
}
