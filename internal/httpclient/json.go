package httpclient

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"

	"safetydash/internal/core"
)

// maxBodySize caps how much of an upstream body is read.
const maxBodySize = 16 << 20

// FetchJSONWithRetry runs FetchWithRetry and returns the body of a 2xx
// response after checking it is valid JSON.
//
// A non-2xx response becomes a *core.UpstreamError carrying the status and a
// truncated body snippet. A 2xx body that is not JSON becomes a
// *core.UpstreamError with code INVALID_UPSTREAM_PAYLOAD.
func (c *Client) FetchJSONWithRetry(ctx context.Context, req Request, opts Options) ([]byte, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.FetchWithRetry(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := readBody(resp)
	if err != nil {
		return nil, core.NewTransportError(c.name, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, core.NewStatusError(c.name, resp.StatusCode, body)
	}

	if !gjson.ValidBytes(body) {
		return nil, &core.UpstreamError{
			Upstream: c.name,
			Code:     core.CodeInvalidUpstreamPayload,
			Status:   resp.StatusCode,
			Message:  "upstream returned invalid JSON",
			Snippet:  core.Truncate(string(body), 256),
		}
	}
	return body, nil
}

// DecodeJSONWithRetry runs FetchJSONWithRetry and unmarshals the body into out.
func (c *Client) DecodeJSONWithRetry(ctx context.Context, req Request, opts Options, out any) error {
	body, err := c.FetchJSONWithRetry(ctx, req, opts)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &core.UpstreamError{
			Upstream: c.name,
			Code:     core.CodeInvalidUpstreamPayload,
			Status:   http.StatusOK,
			Message:  "failed to unmarshal response: " + err.Error(),
			Snippet:  core.Truncate(string(body), 256),
			Err:      err,
		}
	}
	return nil
}

// readBody reads the response body, decoding content encodings the transport
// left alone because the caller set Accept-Encoding itself.
func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		r = brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = gz.Close()
		}()
		r = gz
	}
	return io.ReadAll(io.LimitReader(r, maxBodySize))
}
