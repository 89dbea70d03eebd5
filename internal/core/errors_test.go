package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestUpstreamError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *UpstreamError
		expected string
	}{
		{
			name:     "with status",
			err:      &UpstreamError{Upstream: "police", Code: CodeUpstreamError, Status: 400, Message: "bad"},
			expected: "[police] UPSTREAM_ERROR (status 400): bad",
		},
		{
			name:     "transport failure",
			err:      &UpstreamError{Upstream: "police", Code: CodeUpstreamTimeout, Message: "deadline"},
			expected: "[police] UPSTREAM_TIMEOUT: deadline",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestNewStatusError(t *testing.T) {
	tests := []struct {
		status   int
		wantCode ErrorCode
		wantHTTP int
	}{
		{http.StatusTooManyRequests, CodeRateLimitedUpstream, http.StatusTooManyRequests},
		{http.StatusNotFound, CodeNotFound, http.StatusNotFound},
		{http.StatusServiceUnavailable, CodeUpstreamUnavailable, http.StatusServiceUnavailable},
		{http.StatusGatewayTimeout, CodeUpstreamUnavailable, http.StatusServiceUnavailable},
		{http.StatusBadRequest, CodeUpstreamError, http.StatusBadGateway},
		{http.StatusInternalServerError, CodeUpstreamError, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			err := NewStatusError("police", tt.status, []byte("body"))
			if err.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", err.Code, tt.wantCode)
			}
			if err.Status != tt.status {
				t.Errorf("Status = %d, want %d", err.Status, tt.status)
			}
			if got := err.HTTPStatusCode(); got != tt.wantHTTP {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.wantHTTP)
			}
		})
	}
}

func TestNewStatusError_TruncatesSnippet(t *testing.T) {
	body := strings.Repeat("x", 1000)
	err := NewStatusError("police", 500, []byte(body))
	if len(err.Snippet) != snippetLimit+3 {
		t.Errorf("snippet length = %d, want %d", len(err.Snippet), snippetLimit+3)
	}
	if !strings.HasSuffix(err.Snippet, "...") {
		t.Error("expected truncated snippet to end with ellipsis")
	}
}

func TestNewTransportError_DetectsTimeout(t *testing.T) {
	err := NewTransportError("police", fmt.Errorf("attempt: %w", context.DeadlineExceeded))
	if err.Code != CodeUpstreamTimeout {
		t.Errorf("Code = %s, want %s", err.Code, CodeUpstreamTimeout)
	}
	if err.Status != 0 {
		t.Errorf("Status = %d, want 0", err.Status)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected wrapped deadline error")
	}

	other := NewTransportError("police", errors.New("connection reset"))
	if other.Code != CodeUpstreamUnavailable {
		t.Errorf("Code = %s, want %s", other.Code, CodeUpstreamUnavailable)
	}
}

func TestStatusOfAndCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("month 2024-01: %w", NewStatusError("police", 503, nil))
	if got := StatusOf(wrapped); got != 503 {
		t.Errorf("StatusOf() = %d, want 503", got)
	}
	if got := CodeOf(wrapped); got != CodeUpstreamUnavailable {
		t.Errorf("CodeOf() = %s, want %s", got, CodeUpstreamUnavailable)
	}
	if got := StatusOf(errors.New("plain")); got != 0 {
		t.Errorf("StatusOf(plain) = %d, want 0", got)
	}
	if got := CodeOf(NewValidationError("lat", "out of range")); got != CodeInvalidRequest {
		t.Errorf("CodeOf(validation) = %s, want %s", got, CodeInvalidRequest)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, CodeInternal)
	}
}

func TestUpstreamError_ToJSON(t *testing.T) {
	err := NewStatusError("police", 429, []byte("slow down"))
	body := err.ToJSON()
	inner, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatal("expected error object")
	}
	if inner["code"] != CodeRateLimitedUpstream {
		t.Errorf("code = %v, want %s", inner["code"], CodeRateLimitedUpstream)
	}
	if _, leaked := inner["snippet"]; leaked {
		t.Error("snippet must not be exposed to clients")
	}
}
