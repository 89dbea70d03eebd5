package aggregate

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapWithConcurrency_PreservesOrderAndBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	mapper := func(ctx context.Context, s string) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Duration(rand.IntN(20)) * time.Millisecond)
		inFlight.Add(-1)
		return strings.ToUpper(s), nil
	}

	for run := 0; run < 5; run++ {
		peak.Store(0)
		results := MapWithConcurrency(context.Background(), []string{"a", "b", "c", "d", "e"}, 2, mapper)

		got := make([]string, len(results))
		for i, r := range results {
			require.NoError(t, r.Err)
			got[i] = r.Value
		}
		assert.Equal(t, []string{"A", "B", "C", "D", "E"}, got)
		assert.LessOrEqual(t, peak.Load(), int32(2))
	}
}

func TestMapWithConcurrency_UsesAllWorkers(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	done := make(chan []Result[int], 1)

	go func() {
		done <- MapWithConcurrency(context.Background(), []int{1, 2, 3, 4, 5, 6}, 4, func(ctx context.Context, n int) (int, error) {
			started.Add(1)
			<-release
			return n * n, nil
		})
	}()

	require.Eventually(t, func() bool { return started.Load() == 4 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(4), started.Load(), "no more than limit calls may start")
	close(release)

	results := <-done
	for i, r := range results {
		assert.Equal(t, (i+1)*(i+1), r.Value)
	}
}

func TestMapWithConcurrency_FailuresStayLocal(t *testing.T) {
	boom := errors.New("boom")
	results := MapWithConcurrency(context.Background(), []int{0, 1, 2, 3}, 3, func(ctx context.Context, n int) (int, error) {
		switch n {
		case 1:
			return 0, boom
		case 2:
			panic("bad item")
		}
		return n + 10, nil
	})

	require.Len(t, results, 4)
	assert.Equal(t, 10, results[0].Value)
	assert.ErrorIs(t, results[1].Err, boom)

	var panicErr *PanicError
	require.ErrorAs(t, results[2].Err, &panicErr)
	assert.Equal(t, "bad item", panicErr.Value)
	assert.Equal(t, 13, results[3].Value)
}

func TestMapWithConcurrency_EdgeCases(t *testing.T) {
	double := func(ctx context.Context, n int) (int, error) { return 2 * n, nil }

	assert.Empty(t, MapWithConcurrency(context.Background(), nil, 4, double))

	results := MapWithConcurrency(context.Background(), []int{1, 2, 3}, 0, double)
	assert.Equal(t, []Result[int]{{Value: 2}, {Value: 4}, {Value: 6}}, results, "a non-positive limit runs one worker")

	results = MapWithConcurrency(context.Background(), []int{1, 2}, 100, double)
	assert.Equal(t, []Result[int]{{Value: 2}, {Value: 4}}, results)
}

func TestMapWithConcurrency_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	results := MapWithConcurrency(ctx, []int{1, 2, 3}, 2, func(ctx context.Context, n int) (int, error) {
		calls.Add(1)
		return n, nil
	})

	assert.Equal(t, int32(0), calls.Load())
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}
