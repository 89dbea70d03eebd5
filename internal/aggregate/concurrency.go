// Package aggregate fans work out to upstreams with bounded concurrency and
// folds the per-unit outcomes into series and batch results that report
// partial failure honestly.
package aggregate

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one mapped item.
type Result[R any] struct {
	Value R
	Err   error
}

// PanicError is recorded for an item whose mapper panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("mapper panicked: %v", e.Value)
}

// MapWithConcurrency applies fn to every item using min(limit, len(items))
// workers. Each worker pulls the next unprocessed index until the list is
// exhausted, so at most limit calls are in flight at any time. Results are
// stored by input index regardless of completion order.
//
// A failing item never stops the others. Items not yet started when ctx is
// done get ctx.Err() without fn being called.
func MapWithConcurrency[T, R any](ctx context.Context, items []T, limit int, fn func(context.Context, T) (R, error)) []Result[R] {
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results
	}

	workers := min(max(limit, 1), len(items))
	var next atomic.Int64
	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			for {
				i := int(next.Add(1) - 1)
				if i >= len(items) {
					return nil
				}
				if err := ctx.Err(); err != nil {
					results[i] = Result[R]{Err: err}
					continue
				}
				results[i] = call(ctx, items[i], fn)
			}
		})
	}
	_ = g.Wait()
	return results
}

func call[T, R any](ctx context.Context, item T, fn func(context.Context, T) (R, error)) (res Result[R]) {
	defer func() {
		if r := recover(); r != nil {
			res = Result[R]{Err: &PanicError{Value: r}}
		}
	}()
	v, err := fn(ctx, item)
	return Result[R]{Value: v, Err: err}
}
