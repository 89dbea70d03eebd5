// Package police adapts the street-level crime API to the aggregation layer.
package police

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"safetydash/internal/core"
	"safetydash/internal/httpclient"
)

const (
	// UpstreamName identifies the crime API in errors, logs and metrics.
	UpstreamName = "police"
	// DefaultBaseURL is the public crime API.
	DefaultBaseURL = "https://data.police.uk/api"
	// DefaultTimeout bounds one attempt against the crime API.
	DefaultTimeout = 8 * time.Second
)

// Client fetches street-level incidents.
type Client struct {
	http    *httpclient.Client
	baseURL string
	opts    httpclient.Options
	now     func() time.Time
}

// Config holds the crime API settings.
type Config struct {
	BaseURL string
	Options httpclient.Options
}

// New creates a crime API client on top of a resilient HTTP client.
func New(cfg Config, hc *httpclient.Client) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	opts := cfg.Options
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{
		http:    hc,
		baseURL: base,
		opts:    opts.Normalize(),
		now:     time.Now,
	}
}

// Crimes returns every incident recorded within the upstream's fixed radius of
// lat/lon. A nil month asks for the latest published month.
func (c *Client) Crimes(ctx context.Context, lat, lon float64, month *core.Month) ([]core.Incident, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(lon, 'f', -1, 64))
	if month != nil {
		q.Set("date", month.String())
	}

	body, err := c.http.FetchJSONWithRetry(ctx, httpclient.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/crimes-street/all-crime?" + q.Encode(),
		Header: http.Header{"Accept-Encoding": []string{"br, gzip"}},
	}, c.opts)
	if err != nil {
		return nil, err
	}
	return parseIncidents(body)
}

// LastUpdated returns the most recent month the upstream has published.
// When the upstream cannot say, it falls back to the last completed calendar
// month, and the error is returned alongside for logging.
func (c *Client) LastUpdated(ctx context.Context) (core.Month, error) {
	fallback := core.MonthOf(c.now()).AddMonths(-1)

	body, err := c.http.FetchJSONWithRetry(ctx, httpclient.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/crime-last-updated",
	}, c.opts)
	if err != nil {
		return fallback, err
	}

	date := gjson.GetBytes(body, "date").String()
	if len(date) < 7 {
		return fallback, fmt.Errorf("unexpected last-updated payload %q", core.Truncate(string(body), 64))
	}
	m, err := core.ParseMonth(date[:7])
	if err != nil {
		return fallback, err
	}
	return m, nil
}

// IsSoftFailure reports upstream outcomes that mean "no data right now"
// rather than a broken request: 404, 429 and 503.
func IsSoftFailure(err error) bool {
	var upErr *core.UpstreamError
	if !errors.As(err, &upErr) {
		return false
	}
	switch upErr.Status {
	case http.StatusNotFound, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return false
}

func parseIncidents(body []byte) ([]core.Incident, error) {
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, &core.UpstreamError{
			Upstream: UpstreamName,
			Code:     core.CodeInvalidUpstreamPayload,
			Status:   http.StatusOK,
			Message:  "expected a JSON array of crimes",
			Snippet:  core.Truncate(string(body), 256),
		}
	}

	records := root.Array()
	incidents := make([]core.Incident, 0, len(records))
	for _, rec := range records {
		category := rec.Get("category").String()
		if category == "" {
			continue
		}
		incidents = append(incidents, core.Incident{
			ID:       rec.Get("id").String(),
			Category: category,
			Month:    rec.Get("month").String(),
		})
	}
	return incidents, nil
}
