package geocode

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"safetydash/internal/httpclient"
)

// DefaultNominatimURL is the public OpenStreetMap search API.
const DefaultNominatimURL = "https://nominatim.openstreetmap.org"

// Nominatim geocodes free-text place names.
type Nominatim struct {
	http        *httpclient.Client
	baseURL     string
	userAgent   string
	countryCode string
	opts        httpclient.Options
}

// NominatimConfig holds the search API settings. The public instance
// requires an identifying User-Agent.
type NominatimConfig struct {
	BaseURL     string
	UserAgent   string
	CountryCode string
	Options     httpclient.Options
}

// NewNominatim creates a free-text geocoder.
func NewNominatim(cfg NominatimConfig, hc *httpclient.Client) *Nominatim {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultNominatimURL
	}
	opts := cfg.Options
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "safetydash/1.0"
	}
	return &Nominatim{
		http:        hc,
		baseURL:     base,
		userAgent:   ua,
		countryCode: cfg.CountryCode,
		opts:        opts.Normalize(),
	}
}

// Name implements Geocoder.
func (n *Nominatim) Name() string {
	return "nominatim"
}

// Geocode implements Geocoder.
func (n *Nominatim) Geocode(ctx context.Context, query string) (Place, error) {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("limit", "1")
	q.Set("q", strings.TrimSpace(query))
	if n.countryCode != "" {
		q.Set("countrycodes", n.countryCode)
	}

	body, err := n.http.FetchJSONWithRetry(ctx, httpclient.Request{
		Method: http.MethodGet,
		URL:    n.baseURL + "/search?" + q.Encode(),
		Header: http.Header{"User-Agent": []string{n.userAgent}},
	}, n.opts)
	if err != nil {
		return Place{}, err
	}

	first := gjson.GetBytes(body, "0")
	if !first.Exists() || !first.Get("lat").Exists() {
		return Place{}, ErrNotFound
	}
	return Place{
		Query:  query,
		Name:   first.Get("display_name").String(),
		Lat:    first.Get("lat").Float(),
		Lon:    first.Get("lon").Float(),
		Source: n.Name(),
	}, nil
}
