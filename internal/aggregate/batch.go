package aggregate

import (
	"context"
	"log/slog"

	"safetydash/internal/core"
)

// DefaultBatchConcurrency bounds concurrent item fetches in a batch.
const DefaultBatchConcurrency = 2

// ItemStatus is the per-item outcome of a batch.
type ItemStatus string

const (
	StatusOK          ItemStatus = "ok"
	StatusCached      ItemStatus = "cached"
	StatusInvalid     ItemStatus = "invalid"
	StatusRateLimited ItemStatus = "rate_limited"
	StatusFailed      ItemStatus = "failed"
)

// BatchItem is one caller-keyed unit of a batch.
type BatchItem[T any] struct {
	Key   string
	Input T
}

// ItemError is the client-facing failure of one item.
type ItemError struct {
	Code    core.ErrorCode `json:"code"`
	Message string         `json:"message"`
}

// ItemResult is the outcome for one BatchItem, reported under its key.
type ItemResult[R any] struct {
	Key               string     `json:"key"`
	Status            ItemStatus `json:"status"`
	Value             *R         `json:"data,omitempty"`
	Error             *ItemError `json:"error,omitempty"`
	RetryAfterSeconds int        `json:"retryAfterSeconds,omitempty"`
}

// BatchResult holds item results in input order. Partial is set when any item
// was not freshly fetched: failed, served from cache, invalid or rate limited.
type BatchResult[R any] struct {
	Partial bool               `json:"partial"`
	Items   []ItemResult[R]    `json:"items"`
	Counts  map[ItemStatus]int `json:"counts"`
}

// BatchPlan supplies the stages RunBatch drives. Only Run is required.
type BatchPlan[T, R any] struct {
	// Concurrency defaults to DefaultBatchConcurrency.
	Concurrency int
	// Validate rejects malformed input before anything else happens.
	Validate func(in T) error
	// Lookup serves an item from cache.
	Lookup func(in T) (R, bool)
	// Admit decides whether a cache miss may reach the upstream. When it
	// refuses, retryAfter is reported back to the caller.
	Admit func(in T) (ok bool, retryAfterSeconds int)
	// Run produces the value for an admitted cache miss.
	Run func(ctx context.Context, in T) (R, error)
	// Store is called with every successful Run result.
	Store  func(in T, value R)
	Logger *slog.Logger
}

// RunBatch resolves validation, cache hits and admission for every item
// first, then fans Run out with bounded concurrency over the remaining items.
// A failing item is reported in its own result and never fails the batch.
func RunBatch[T, R any](ctx context.Context, items []BatchItem[T], plan BatchPlan[T, R]) BatchResult[R] {
	logger := plan.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := plan.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}

	out := BatchResult[R]{
		Items:  make([]ItemResult[R], len(items)),
		Counts: make(map[ItemStatus]int),
	}
	var pending []int

	for i, item := range items {
		out.Items[i] = ItemResult[R]{Key: item.Key}
		res := &out.Items[i]

		if plan.Validate != nil {
			if err := plan.Validate(item.Input); err != nil {
				res.Status = StatusInvalid
				res.Error = &ItemError{Code: core.CodeInvalidRequest, Message: err.Error()}
				continue
			}
		}
		if plan.Lookup != nil {
			if v, ok := plan.Lookup(item.Input); ok {
				res.Status = StatusCached
				res.Value = &v
				continue
			}
		}
		if plan.Admit != nil {
			if ok, retryAfter := plan.Admit(item.Input); !ok {
				res.Status = StatusRateLimited
				res.RetryAfterSeconds = retryAfter
				res.Error = &ItemError{Code: core.CodeRateLimited, Message: "rate limit exceeded"}
				continue
			}
		}
		pending = append(pending, i)
	}

	inputs := make([]T, len(pending))
	for j, i := range pending {
		inputs[j] = items[i].Input
	}
	results := MapWithConcurrency(ctx, inputs, concurrency, plan.Run)

	for j, i := range pending {
		res := &out.Items[i]
		if err := results[j].Err; err != nil {
			logger.Warn("batch item failed", "key", res.Key, "error", err)
			res.Status = StatusFailed
			res.Error = &ItemError{Code: itemErrorCode(err), Message: err.Error()}
			continue
		}
		v := results[j].Value
		res.Status = StatusOK
		res.Value = &v
		if plan.Store != nil {
			plan.Store(items[i].Input, v)
		}
	}

	for _, res := range out.Items {
		out.Counts[res.Status]++
		if res.Status != StatusOK {
			out.Partial = true
		}
	}
	return out
}

func itemErrorCode(err error) core.ErrorCode {
	code := core.CodeOf(err)
	if code == core.CodeInternal {
		return core.CodeUpstreamError
	}
	return code
}
