// Package core provides the shared types, error taxonomy and context helpers
// used by the data-access layer and the request handlers built on top of it.
package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the stable, client-facing identifier of a failure class.
type ErrorCode string

const (
	// CodeUpstreamError is an upstream response with a non-retryable status.
	CodeUpstreamError ErrorCode = "UPSTREAM_ERROR"
	// CodeUpstreamUnavailable means the upstream could not produce any usable data.
	CodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	// CodeUpstreamTimeout is a transport-level timeout talking to an upstream.
	CodeUpstreamTimeout ErrorCode = "UPSTREAM_TIMEOUT"
	// CodeRateLimitedUpstream is an upstream 429.
	CodeRateLimitedUpstream ErrorCode = "RATE_LIMITED_UPSTREAM"
	// CodeInvalidUpstreamPayload is an upstream 2xx whose body is not valid JSON.
	CodeInvalidUpstreamPayload ErrorCode = "INVALID_UPSTREAM_PAYLOAD"
	// CodeCircuitOpen is returned while the circuit breaker of an upstream is open.
	CodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	// CodeRateLimited is a local rate-limit rejection.
	CodeRateLimited ErrorCode = "RATE_LIMITED"
	// CodeInvalidRequest is a client input validation failure.
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	// CodeUnauthorized is a missing or wrong API key.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	// CodeNotFound is a lookup that produced no result.
	CodeNotFound ErrorCode = "NOT_FOUND"
	// CodeInternal is the fallback for unexpected failures.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// snippetLimit bounds the response body excerpt carried by UpstreamError.
const snippetLimit = 256

// UpstreamError describes a failed call to a third-party API.
// Status is zero for transport failures (DNS, reset, timeout).
type UpstreamError struct {
	Upstream string    `json:"upstream,omitempty"`
	Code     ErrorCode `json:"code"`
	Status   int       `json:"status,omitempty"`
	Message  string    `json:"message"`
	Snippet  string    `json:"-"`
	// Err is the original error, kept for debugging and never exposed to clients.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("[%s] %s (status %d): %s", e.Upstream, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Upstream, e.Code, e.Message)
}

// Unwrap implements the error unwrapping interface.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode maps the upstream failure onto the status the handler layer should return.
func (e *UpstreamError) HTTPStatusCode() int {
	switch e.Code {
	case CodeRateLimitedUpstream:
		return http.StatusTooManyRequests
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeCircuitOpen, CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

// ToJSON converts the error to the client-facing error envelope.
func (e *UpstreamError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    e.Code,
			"message": e.Message,
		},
	}
}

// NewTransportError wraps a transport-level failure (no HTTP status).
func NewTransportError(upstream string, err error) *UpstreamError {
	code := CodeUpstreamUnavailable
	if isTimeout(err) {
		code = CodeUpstreamTimeout
	}
	msg := "upstream request failed"
	if err != nil {
		msg = err.Error()
	}
	return &UpstreamError{
		Upstream: upstream,
		Code:     code,
		Message:  msg,
		Err:      err,
	}
}

// NewStatusError builds an UpstreamError from a non-2xx response.
// The body is truncated into Snippet for diagnostics.
func NewStatusError(upstream string, status int, body []byte) *UpstreamError {
	code := CodeUpstreamError
	switch {
	case status == http.StatusTooManyRequests:
		code = CodeRateLimitedUpstream
	case status == http.StatusNotFound:
		code = CodeNotFound
	case status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		code = CodeUpstreamUnavailable
	}
	return &UpstreamError{
		Upstream: upstream,
		Code:     code,
		Status:   status,
		Message:  fmt.Sprintf("upstream returned status %d", status),
		Snippet:  Truncate(string(body), snippetLimit),
	}
}

// StatusOf returns the HTTP status carried by err, or 0 when err did not come
// from an upstream response.
func StatusOf(err error) int {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Status
	}
	return 0
}

// CodeOf returns the ErrorCode carried by err, defaulting to CodeInternal.
func CodeOf(err error) ErrorCode {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Code
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CodeInvalidRequest
	}
	return CodeInternal
}

// ValidationError is a client input failure.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Truncate shortens s to at most n bytes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type timeoutError interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	var te timeoutError
	return errors.As(err, &te) && te.Timeout()
}
