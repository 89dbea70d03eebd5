// Package ratelimit implements per-key client throttling.
//
// Two strategies are provided: a fixed-window counter (FixedWindow, and the
// Redis-backed RedisWindow) and a continuously refilling token bucket
// (TokenBucket). Local state lives in process memory with no cross-process
// coordination; it is a best-effort throttle for a single instance.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Decision is the outcome of a fixed-window check.
// Callers must gate on Allowed: Count keeps growing past Limit so the
// overshoot stays observable.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Count     int
	ResetAt   time.Time
	// ResetIn is the time left until the window resets.
	ResetIn time.Duration
}

// RetryAfterSeconds rounds ResetIn up to whole seconds, never below 1.
func (d Decision) RetryAfterSeconds() int {
	secs := int((d.ResetIn + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// WindowLimiter is a fixed-window limiter that may be backed by a remote store.
type WindowLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// FixedWindow counts requests per key in fixed wall-clock windows.
// It is safe for concurrent use; each check-and-increment is atomic per key.
type FixedWindow struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	clock   clockwork.Clock
}

// NewFixedWindow creates an empty fixed-window limiter.
func NewFixedWindow(clock clockwork.Clock) *FixedWindow {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FixedWindow{
		entries: make(map[string]*windowEntry),
		clock:   clock,
	}
}

// Check counts one request for key and reports whether it fits into limit
// requests per window. The window restarts on the first check after it elapsed.
func (f *FixedWindow) Check(key string, limit int, window time.Duration) Decision {
	now := f.clock.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[key]
	if !ok {
		entry = &windowEntry{resetAt: now.Add(window)}
		f.entries[key] = entry
	} else if now.After(entry.resetAt) {
		entry.count = 0
		entry.resetAt = now.Add(window)
	}
	entry.count++

	remaining := limit - entry.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   entry.count <= limit,
		Limit:     limit,
		Remaining: remaining,
		Count:     entry.count,
		ResetAt:   entry.resetAt,
		ResetIn:   entry.resetAt.Sub(now),
	}
}

// Allow implements WindowLimiter. It never blocks and never fails.
func (f *FixedWindow) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	return f.Check(key, limit, window), nil
}

// Len returns the number of tracked keys.
func (f *FixedWindow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Sweep drops keys whose window has elapsed; their next check would reset them anyway.
func (f *FixedWindow) Sweep() int {
	now := f.clock.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for key, entry := range f.entries {
		if now.After(entry.resetAt) {
			delete(f.entries, key)
			removed++
		}
	}
	return removed
}

// StartJanitor runs Sweep every interval until ctx is done.
func (f *FixedWindow) StartJanitor(ctx context.Context, interval time.Duration) {
	startJanitor(ctx, f.clock, interval, func() { f.Sweep() })
}

// Key builds the conventional "<route>:<client>" limiter key.
func Key(route, client string) string {
	client = strings.TrimSpace(client)
	if client == "" {
		client = "unknown"
	}
	return route + ":" + client
}

func startJanitor(ctx context.Context, clock clockwork.Clock, interval time.Duration, sweep func()) {
	if interval <= 0 {
		return
	}
	ticker := clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				sweep()
			}
		}
	}()
}
