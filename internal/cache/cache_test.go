package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestCache(t *testing.T) {
	t.Run("SetGetRoundTrip", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		c := New[string](WithClock(clock))

		c.Set("k", "v", time.Minute)

		got, ok := c.Get("k")
		if !ok {
			t.Fatal("expected hit immediately after set")
		}
		if got != "v" {
			t.Fatalf("expected v, got %q", got)
		}
	})

	t.Run("ExpiresAfterTTL", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		c := New[string](WithClock(clock))

		c.Set("k", "v", time.Second)
		clock.Advance(1500 * time.Millisecond)

		if _, ok := c.Get("k"); ok {
			t.Fatal("expected miss after ttl elapsed")
		}
		if _, ok := c.GetEntry("k"); ok {
			t.Fatal("expected GetEntry miss after expiry")
		}
		if c.Len() != 0 {
			t.Fatalf("expected expired entry to be evicted lazily, len=%d", c.Len())
		}
	})

	t.Run("StillServedJustBeforeExpiry", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		c := New[int](WithClock(clock))

		c.Set("k", 1, time.Second)
		clock.Advance(999 * time.Millisecond)

		if _, ok := c.Get("k"); !ok {
			t.Fatal("expected hit before ttl elapsed")
		}
	})

	t.Run("NonPositiveTTLIsNeverServed", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		c := New[string](WithClock(clock))

		c.Set("zero", "v", 0)
		c.Set("negative", "v", -time.Hour)

		if _, ok := c.Get("zero"); ok {
			t.Error("expected zero ttl entry to be expired on read")
		}
		if _, ok := c.Get("negative"); ok {
			t.Error("expected negative ttl entry to be expired on read")
		}
	})

	t.Run("OverwriteReplacesEntry", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		c := New[string](WithClock(clock))

		c.Set("k", "old", time.Second)
		clock.Advance(500 * time.Millisecond)
		c.Set("k", "new", time.Second)
		clock.Advance(700 * time.Millisecond)

		got, ok := c.Get("k")
		if !ok || got != "new" {
			t.Fatalf("expected overwritten value to survive, got %q ok=%v", got, ok)
		}
	})

	t.Run("GetEntryReportsAge", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		c := New[string](WithClock(clock))

		c.Set("k", "v", time.Hour)
		clock.Advance(42 * time.Second)

		entry, ok := c.GetEntry("k")
		require.True(t, ok)
		require.Equal(t, 42*time.Second, entry.Age(clock.Now()))
		require.False(t, entry.ExpiresAt.Before(entry.StoredAt))
	})

	t.Run("Delete", func(t *testing.T) {
		c := New[string]()
		c.Set("k", "v", time.Hour)
		c.Delete("k")
		if _, ok := c.Get("k"); ok {
			t.Fatal("expected miss after delete")
		}
	})
}

func TestCache_Stats(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[string](WithClock(clock))

	c.Set("a", "1", time.Second)
	c.Get("a")
	c.Get("missing")
	clock.Advance(2 * time.Second)
	c.Get("a")

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(2), stats.Misses)
	require.Equal(t, uint64(1), stats.Expirations)
	require.Equal(t, 0, stats.Entries)
}

func TestCache_Sweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[int](WithClock(clock), WithShards(4))

	for i := 0; i < 10; i++ {
		ttl := time.Second
		if i%2 == 0 {
			ttl = time.Hour
		}
		c.Set(fmt.Sprintf("k%d", i), i, ttl)
	}
	clock.Advance(time.Minute)

	removed := c.Sweep()
	require.Equal(t, 5, removed)
	require.Equal(t, 5, c.Len())
}

func TestCache_Janitor(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[string](WithClock(clock))
	c.Set("k", "v", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartJanitor(ctx, time.Minute)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[int]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%20)
				c.Set(key, g*i, time.Minute)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	require.Equal(t, 20, c.Len())
}
