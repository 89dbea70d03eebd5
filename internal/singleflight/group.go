// Package singleflight coalesces concurrent calls for the same key into a
// single producer execution.
package singleflight

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Group deduplicates in-flight producers per key.
// The zero value is not usable; create groups with New.
type Group[V any] struct {
	g *singleflight.Group
}

// New returns an empty Group.
func New[V any]() *Group[V] {
	return &Group[V]{g: &singleflight.Group{}}
}

// Do runs fn for key unless a call for key is already in flight, in which
// case it waits for that call and returns its result. shared reports whether
// the result was delivered to more than one caller.
//
// fn runs detached from ctx cancellation: when ctx is done, Do returns
// ctx.Err() to this caller while the producer keeps running for the others.
// The key is released as soon as fn returns, whether it succeeded or not,
// so failures are never cached.
func (g *Group[V]) Do(ctx context.Context, key string, fn func(context.Context) (V, error)) (v V, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := g.g.DoChan(key, func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("singleflight %q: producer panicked: %v", key, r)
			}
		}()
		return fn(detached)
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Shared, res.Err
		}
		val, _ := res.Val.(V)
		return val, res.Shared, nil
	}
}

// Forget drops key from the in-flight registry so the next caller starts a
// fresh producer even if one is still running.
func (g *Group[V]) Forget(key string) {
	g.g.Forget(key)
}
