// Package cache provides an in-process TTL cache with lazy expiry.
//
// Entries expire on read: Get and GetEntry delete an entry they find expired.
// There is no background eviction unless StartJanitor is called, so memory is
// bounded by key cardinality. Each process owns an independent cache.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
)

// DefaultShards is the number of independently locked shards.
const DefaultShards = 16

// Entry is a cached value with its bookkeeping timestamps.
// ExpiresAt is never earlier than StoredAt.
type Entry[V any] struct {
	Value     V
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Age reports how long ago the entry was stored.
func (e Entry[V]) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// expired reports whether the entry must not be served at now.
// The boundary is inclusive so that a zero TTL is never served.
func (e *Entry[V]) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Expirations uint64
	Entries     int
}

type shard[V any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[V]
}

// Cache is a sharded key/value store with per-entry TTL.
// It is safe for concurrent use.
type Cache[V any] struct {
	shards []*shard[V]
	clock  clockwork.Clock

	hits        atomic.Uint64
	misses      atomic.Uint64
	expirations atomic.Uint64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	clock  clockwork.Clock
	shards int
}

// WithClock overrides the time source (tests use a fake clock).
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithShards sets the shard count. Values below 1 fall back to DefaultShards.
func WithShards(n int) Option {
	return func(o *options) { o.shards = n }
}

// New creates an empty cache.
func New[V any](opts ...Option) *Cache[V] {
	o := options{clock: clockwork.NewRealClock(), shards: DefaultShards}
	for _, opt := range opts {
		opt(&o)
	}
	if o.shards < 1 {
		o.shards = DefaultShards
	}

	c := &Cache[V]{
		shards: make([]*shard[V], o.shards),
		clock:  o.clock,
	}
	for i := range c.shards {
		c.shards[i] = &shard[V]{entries: make(map[string]*Entry[V])}
	}
	return c
}

func (c *Cache[V]) shardFor(key string) *shard[V] {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

// Set stores value under key for ttl. A non-positive ttl stores an entry that
// is already expired, which makes the call a no-op for readers.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	now := c.clock.Now()
	s := c.shardFor(key)

	s.mu.Lock()
	s.entries[key] = &Entry[V]{
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	s.mu.Unlock()
}

// Get returns the value stored under key if it is present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	entry, ok := c.GetEntry(key)
	return entry.Value, ok
}

// GetEntry is like Get but exposes StoredAt so callers can report the age of a hit.
func (c *Cache[V]) GetEntry(key string) (Entry[V], bool) {
	now := c.clock.Now()
	s := c.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		c.misses.Add(1)
		return Entry[V]{}, false
	}
	if entry.expired(now) {
		delete(s.entries, key)
		c.expirations.Add(1)
		c.misses.Add(1)
		return Entry[V]{}, false
	}
	c.hits.Add(1)
	return *entry, true
}

// Delete removes key unconditionally.
func (c *Cache[V]) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Len returns the number of stored entries, including expired entries not yet evicted.
func (c *Cache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	now := c.clock.Now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, entry := range s.entries {
			if entry.expired(now) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.expirations.Add(uint64(removed))
	return removed
}

// StartJanitor sweeps expired entries every interval until ctx is done.
// A non-positive interval disables the janitor.
func (c *Cache[V]) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := c.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				c.Sweep()
			}
		}
	}()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Expirations: c.expirations.Load(),
		Entries:     c.Len(),
	}
}
