// Package geocode resolves free-text locations and UK postcodes to coordinates.
package geocode

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"safetydash/internal/core"
)

// DefaultTimeout bounds one attempt against a geocoder.
const DefaultTimeout = 4500 * time.Millisecond

// ErrNotFound is returned when a geocoder has no match for the query.
var ErrNotFound = errors.New("geocode: no match")

// Place is a resolved location.
type Place struct {
	Query  string  `json:"query"`
	Name   string  `json:"name"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Source string  `json:"source"`
}

// Geocoder resolves a query to a Place.
type Geocoder interface {
	Name() string
	Geocode(ctx context.Context, query string) (Place, error)
}

var postcodePattern = regexp.MustCompile(`^[A-Z]{1,2}[0-9][A-Z0-9]? ?[0-9][A-Z]{2}$`)

// IsPostcode reports whether q looks like a full UK postcode.
func IsPostcode(q string) bool {
	return postcodePattern.MatchString(strings.ToUpper(strings.TrimSpace(q)))
}

// NormalizeQuery collapses whitespace and case so equivalent queries share
// cache entries.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

// Chain tries each geocoder in order and returns the first match.
type Chain struct {
	geocoders []Geocoder
	logger    *slog.Logger
}

// NewChain creates a fallback chain. Nil geocoders are skipped.
func NewChain(logger *slog.Logger, geocoders ...Geocoder) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{logger: logger}
	for _, g := range geocoders {
		if g != nil {
			c.geocoders = append(c.geocoders, g)
		}
	}
	return c
}

// Name implements Geocoder.
func (c *Chain) Name() string {
	return "chain"
}

// Geocode implements Geocoder. Misses and failures fall through to the next
// geocoder. If nothing matched and at least one geocoder failed, the last
// failure is returned; otherwise ErrNotFound.
func (c *Chain) Geocode(ctx context.Context, query string) (Place, error) {
	if strings.TrimSpace(query) == "" {
		return Place{}, core.NewValidationError("q", "must not be empty")
	}

	var lastErr error
	for _, g := range c.geocoders {
		place, err := g.Geocode(ctx, query)
		if err == nil {
			return place, nil
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Place{}, ctxErr
		}
		c.logger.Warn("geocoder failed, trying next", "geocoder", g.Name(), "error", err)
		lastErr = err
	}
	if lastErr != nil {
		return Place{}, lastErr
	}
	return Place{}, ErrNotFound
}
