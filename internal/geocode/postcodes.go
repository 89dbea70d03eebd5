package geocode

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"safetydash/internal/core"
	"safetydash/internal/httpclient"
)

// DefaultPostcodesURL is the public UK postcode lookup API.
const DefaultPostcodesURL = "https://api.postcodes.io"

// Postcodes geocodes full UK postcodes.
type Postcodes struct {
	http    *httpclient.Client
	baseURL string
	opts    httpclient.Options
}

// NewPostcodes creates a postcode geocoder.
func NewPostcodes(baseURL string, hc *httpclient.Client, opts httpclient.Options) *Postcodes {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = DefaultPostcodesURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Postcodes{http: hc, baseURL: baseURL, opts: opts.Normalize()}
}

// Name implements Geocoder.
func (p *Postcodes) Name() string {
	return "postcodes"
}

// Geocode implements Geocoder. Queries that are not postcodes miss without
// touching the upstream.
func (p *Postcodes) Geocode(ctx context.Context, query string) (Place, error) {
	if !IsPostcode(query) {
		return Place{}, ErrNotFound
	}
	pc := strings.ToUpper(strings.TrimSpace(query))

	body, err := p.http.FetchJSONWithRetry(ctx, httpclient.Request{
		Method: http.MethodGet,
		URL:    p.baseURL + "/postcodes/" + url.PathEscape(pc),
	}, p.opts)
	if err != nil {
		if core.StatusOf(err) == http.StatusNotFound {
			return Place{}, ErrNotFound
		}
		return Place{}, err
	}

	result := gjson.GetBytes(body, "result")
	if !result.Get("latitude").Exists() || !result.Get("longitude").Exists() {
		return Place{}, ErrNotFound
	}

	name := result.Get("postcode").String()
	if district := result.Get("admin_district").String(); district != "" {
		name += ", " + district
	}
	return Place{
		Query:  query,
		Name:   name,
		Lat:    result.Get("latitude").Float(),
		Lon:    result.Get("longitude").Float(),
		Source: p.Name(),
	}, nil
}
