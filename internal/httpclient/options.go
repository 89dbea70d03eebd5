package httpclient

import (
	"net/http"
	"slices"
	"time"
)

// DefaultRetryStatuses are the response codes retried with backoff.
var DefaultRetryStatuses = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Options controls one FetchWithRetry call.
type Options struct {
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	// Retries is the number of guarded attempts before the final one;
	// a call makes at most Retries+1 attempts.
	Retries int
	// RetryDelay is the base of the exponential backoff.
	RetryDelay time.Duration
	// RetryStatuses lists the response codes worth retrying.
	RetryStatuses []int
}

// DefaultOptions returns the options used when a caller has no opinion.
func DefaultOptions() Options {
	return Options{
		Timeout:       8 * time.Second,
		Retries:       2,
		RetryDelay:    300 * time.Millisecond,
		RetryStatuses: slices.Clone(DefaultRetryStatuses),
	}
}

// Normalize fills unset fields with their defaults.
func (o Options) Normalize() Options {
	def := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.RetryStatuses == nil {
		o.RetryStatuses = def.RetryStatuses
	}
	return o
}

func (o Options) retryable(status int) bool {
	return slices.Contains(o.RetryStatuses, status)
}
