package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// MaxRetryAfterSeconds caps the retry hint of a bucket that never refills.
const MaxRetryAfterSeconds = 3600

// BucketDecision is the outcome of a token-bucket consume attempt.
type BucketDecision struct {
	OK bool
	// Tokens left after the attempt.
	Tokens float64
	// RetryAfterSeconds is set when OK is false.
	RetryAfterSeconds int
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// TokenBucket keeps one continuously refilling bucket per key.
// Buckets start full. It is safe for concurrent use.
type TokenBucket struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   clockwork.Clock
}

// NewTokenBucket creates an empty token-bucket limiter.
func NewTokenBucket(clock clockwork.Clock) *TokenBucket {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenBucket{
		buckets: make(map[string]*bucket),
		clock:   clock,
	}
}

// Consume takes one token from the bucket for key. The bucket holds at most
// capacity tokens and refills at refillPerSecond tokens per second of elapsed
// wall-clock time. Changing capacity or rate for an existing key applies from now on.
// The bucket holds whole tokens only: a fractional capacity is rounded down.
func (tb *TokenBucket) Consume(key string, capacity float64, refillPerSecond float64) BucketDecision {
	now := tb.clock.Now()
	burst := int(math.Floor(capacity))
	if burst < 0 {
		burst = 0
	}
	limit := rate.Limit(refillPerSecond)
	if refillPerSecond < 0 {
		limit = 0
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(limit, burst)}
		tb.buckets[key] = b
	} else {
		if b.lim.Limit() != limit {
			b.lim.SetLimitAt(now, limit)
		}
		if b.lim.Burst() != burst {
			b.lim.SetBurstAt(now, burst)
		}
	}
	b.lastSeen = now

	if b.lim.AllowN(now, 1) {
		return BucketDecision{OK: true, Tokens: b.lim.TokensAt(now)}
	}

	tokens := b.lim.TokensAt(now)
	return BucketDecision{
		OK:                false,
		Tokens:            tokens,
		RetryAfterSeconds: retryAfterSeconds(tokens, float64(limit)),
	}
}

func retryAfterSeconds(tokens, refillPerSecond float64) int {
	if refillPerSecond <= 0 {
		return MaxRetryAfterSeconds
	}
	secs := math.Ceil((1 - tokens) / refillPerSecond)
	if secs < 1 {
		return 1
	}
	if secs > MaxRetryAfterSeconds {
		return MaxRetryAfterSeconds
	}
	return int(secs)
}

// Len returns the number of tracked buckets.
func (tb *TokenBucket) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.buckets)
}

// Sweep drops buckets that have been idle long enough to be full again.
// Recreating them later yields an identical full bucket.
func (tb *TokenBucket) Sweep() int {
	now := tb.clock.Now()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	removed := 0
	for key, b := range tb.buckets {
		refill := float64(b.lim.Limit())
		if refill <= 0 {
			continue
		}
		full := time.Duration(float64(b.lim.Burst()) / refill * float64(time.Second))
		if now.Sub(b.lastSeen) >= full {
			delete(tb.buckets, key)
			removed++
		}
	}
	return removed
}

// StartJanitor runs Sweep every interval until ctx is done.
func (tb *TokenBucket) StartJanitor(ctx context.Context, interval time.Duration) {
	startJanitor(ctx, tb.clock, interval, func() { tb.Sweep() })
}
