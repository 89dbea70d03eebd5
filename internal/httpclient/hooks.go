package httpclient

import (
	"context"
	"time"
)

// AttemptInfo describes one HTTP attempt made by Client.
type AttemptInfo struct {
	Upstream string
	Method   string
	URL      string
	// Attempt is zero-based.
	Attempt  int
	Status   int
	Err      error
	Duration time.Duration
}

// CallInfo describes a finished FetchWithRetry call.
type CallInfo struct {
	Upstream string
	Method   string
	URL      string
	Attempts int
	Status   int
	Err      error
	Duration time.Duration
}

// Hooks observes upstream traffic. Implementations must not block.
type Hooks interface {
	OnAttempt(ctx context.Context, info AttemptInfo)
	OnComplete(ctx context.Context, info CallInfo)
}

// MultiHooks fans every event out to each non-nil hook in order.
type MultiHooks []Hooks

// OnAttempt implements Hooks.
func (m MultiHooks) OnAttempt(ctx context.Context, info AttemptInfo) {
	for _, h := range m {
		if h != nil {
			h.OnAttempt(ctx, info)
		}
	}
}

// OnComplete implements Hooks.
func (m MultiHooks) OnComplete(ctx context.Context, info CallInfo) {
	for _, h := range m {
		if h != nil {
			h.OnComplete(ctx, info)
		}
	}
}
