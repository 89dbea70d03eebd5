package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"safetydash/internal/core"
)

// maxJitter bounds the random delay added to every backoff.
const maxJitter = 100 * time.Millisecond

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request is a reusable description of an upstream request; a fresh
// *http.Request is built from it for every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Client sends requests to one named upstream with retries.
type Client struct {
	name       string
	doer       Doer
	clock      clockwork.Clock
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func() time.Duration
	hooks      Hooks
	breaker    *circuitBreaker
	breakerCfg *BreakerConfig
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock used for backoff sleeps and the circuit breaker.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithJitter replaces the random jitter source.
func WithJitter(jitter func() time.Duration) Option {
	return func(c *Client) { c.jitter = jitter }
}

// WithHooks attaches observers for attempts and finished calls.
func WithHooks(hooks Hooks) Option {
	return func(c *Client) { c.hooks = hooks }
}

// WithBreaker enables the circuit breaker.
func WithBreaker(cfg BreakerConfig) Option {
	return func(c *Client) { c.breakerCfg = &cfg }
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client for the upstream called name. A nil doer uses the
// transport built from DefaultTransportConfig.
func New(name string, doer Doer, opts ...Option) *Client {
	c := &Client{
		name:   name,
		doer:   doer,
		clock:  clockwork.NewRealClock(),
		jitter: func() time.Duration { return rand.N(maxJitter) },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.doer == nil {
		c.doer = NewHTTPClient(DefaultTransportConfig())
	}
	if c.sleep == nil {
		c.sleep = c.clockSleep
	}
	if c.breakerCfg != nil {
		c.breaker = newCircuitBreaker(*c.breakerCfg, c.clock)
	}
	return c
}

// Name returns the upstream name used in errors and metrics.
func (c *Client) Name() string {
	return c.name
}

// BreakerState returns "closed", "open" or "half-open"; "disabled" without a breaker.
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State()
}

// Backoff returns the delay before retry n (zero-based): delay*2^n plus jitter.
func (c *Client) Backoff(delay time.Duration, n int) time.Duration {
	return delay<<n + c.jitter()
}

// FetchWithRetry sends req, retrying transport failures and retryable
// statuses. The first opts.Retries attempts are guarded; after them one final
// attempt is made and its outcome returned as is, so a call makes at most
// opts.Retries+1 attempts and always ends with a response or an error.
//
// Non-2xx responses are returned, not converted to errors; the caller owns
// the body. Transport failures are returned as *core.UpstreamError with
// Status 0.
func (c *Client) FetchWithRetry(ctx context.Context, req Request, opts Options) (*http.Response, error) {
	opts = opts.Normalize()
	start := c.clock.Now()

	if c.breaker != nil && !c.breaker.Allow() {
		err := &core.UpstreamError{
			Upstream: c.name,
			Code:     core.CodeCircuitOpen,
			Status:   http.StatusServiceUnavailable,
			Message:  "circuit breaker is open - upstream temporarily unavailable",
		}
		c.complete(ctx, req, 0, nil, err, start)
		return nil, err
	}

	if _, err := c.buildRequest(ctx, req); err != nil {
		c.complete(ctx, req, 0, nil, err, start)
		return nil, err
	}

	for attempt := 0; attempt < opts.Retries; attempt++ {
		resp, err := c.attempt(ctx, req, opts, attempt)
		if err == nil && !opts.retryable(resp.StatusCode) {
			c.complete(ctx, req, attempt+1, resp, nil, start)
			return resp, nil
		}
		if resp != nil {
			discard(resp)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.complete(ctx, req, attempt+1, nil, ctxErr, start)
			return nil, ctxErr
		}

		delay := c.Backoff(opts.RetryDelay, attempt)
		c.logger.Debug("retrying upstream request",
			"upstream", c.name,
			"attempt", attempt,
			"status", statusOf(resp),
			"error", err,
			"delay", delay,
		)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			c.complete(ctx, req, attempt+1, nil, sleepErr, start)
			return nil, sleepErr
		}
	}

	resp, err := c.attempt(ctx, req, opts, opts.Retries)
	c.complete(ctx, req, opts.Retries+1, resp, err, start)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// attempt sends one request bounded by opts.Timeout. The deadline stays
// active while the body is read and is released by closing it.
func (c *Client) attempt(ctx context.Context, req Request, opts Options, n int) (*http.Response, error) {
	start := c.clock.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)

	httpReq, err := c.buildRequest(attemptCtx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := c.doer.Do(httpReq)
	if err != nil {
		cancel()
		upErr := core.NewTransportError(c.name, err)
		c.recordBreaker(0, upErr)
		c.onAttempt(ctx, req, n, 0, upErr, start)
		return nil, upErr
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	c.recordBreaker(resp.StatusCode, nil)
	c.onAttempt(ctx, req, n, resp.StatusCode, nil, start)
	return resp, nil
}

func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, &core.UpstreamError{
			Upstream: c.name,
			Code:     core.CodeInternal,
			Message:  fmt.Sprintf("failed to create request: %v", err),
			Err:      err,
		}
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if requestID := core.GetRequestID(ctx); requestID != "" {
		httpReq.Header.Set("X-Request-ID", requestID)
	}
	return httpReq, nil
}

func (c *Client) recordBreaker(status int, err error) {
	if c.breaker == nil {
		return
	}
	if err != nil || status >= 500 || status == http.StatusTooManyRequests {
		c.breaker.RecordFailure()
		return
	}
	c.breaker.RecordSuccess()
}

func (c *Client) onAttempt(ctx context.Context, req Request, n, status int, err error, start time.Time) {
	if c.hooks == nil {
		return
	}
	c.hooks.OnAttempt(ctx, AttemptInfo{
		Upstream: c.name,
		Method:   methodOf(req),
		URL:      req.URL,
		Attempt:  n,
		Status:   status,
		Err:      err,
		Duration: c.clock.Since(start),
	})
}

func (c *Client) complete(ctx context.Context, req Request, attempts int, resp *http.Response, err error, start time.Time) {
	if c.hooks == nil {
		return
	}
	c.hooks.OnComplete(ctx, CallInfo{
		Upstream: c.name,
		Method:   methodOf(req),
		URL:      req.URL,
		Attempts: attempts,
		Status:   statusOf(resp),
		Err:      err,
		Duration: c.clock.Since(start),
	})
}

func (c *Client) clockSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := c.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// discard drains a bounded amount of the body so the connection can be reused.
func discard(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
	_ = resp.Body.Close()
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func methodOf(req Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return req.Method
}
