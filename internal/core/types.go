package core

import (
	"fmt"
	"time"
)

// monthLayout is the wire format of a Month ("YYYY-MM").
const monthLayout = "2006-01"

// Month identifies a calendar month.
type Month struct {
	Year  int
	Month time.Month
}

// MonthOf returns the calendar month containing t (in t's location).
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Month: t.Month()}
}

// ParseMonth parses a "YYYY-MM" string.
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse(monthLayout, s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q: %w", s, err)
	}
	return MonthOf(t), nil
}

// String formats the month as "YYYY-MM".
func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// AddMonths returns the month n months after m (n may be negative).
func (m Month) AddMonths(n int) Month {
	t := time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	return MonthOf(t)
}

// Before reports whether m is earlier than other.
func (m Month) Before(other Month) bool {
	if m.Year != other.Year {
		return m.Year < other.Year
	}
	return m.Month < other.Month
}

// MarshalText implements encoding.TextMarshaler.
func (m Month) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Month) UnmarshalText(b []byte) error {
	parsed, err := ParseMonth(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MonthsEndingAt returns n consecutive months in ascending order whose last element is last.
func MonthsEndingAt(last Month, n int) []Month {
	if n <= 0 {
		return nil
	}
	months := make([]Month, n)
	for i := 0; i < n; i++ {
		months[i] = last.AddMonths(i - (n - 1))
	}
	return months
}

// LastCompletedMonths returns the n months ending at the most recently completed
// calendar month relative to now.
func LastCompletedMonths(now time.Time, n int) []Month {
	return MonthsEndingAt(MonthOf(now).AddMonths(-1), n)
}

// Incident is a single category-tagged record returned by the crime upstream.
type Incident struct {
	ID       string `json:"id,omitempty"`
	Category string `json:"category"`
	Month    string `json:"month,omitempty"`
}

// CountByCategory tallies incidents per category.
func CountByCategory(incidents []Incident) map[string]int {
	counts := make(map[string]int)
	for _, inc := range incidents {
		if inc.Category == "" {
			continue
		}
		counts[inc.Category]++
	}
	return counts
}

// MonthSeriesRow is one month of a time series.
// Every row of a series carries the same category key set.
type MonthSeriesRow struct {
	Month            string         `json:"month"`
	Total            int            `json:"total"`
	CountsByCategory map[string]int `json:"countsByCategory"`
}

// AggregationResult is the outcome of a fan-out aggregation.
// OK is false only when every unit failed and no usable rows were produced;
// Partial is true when at least one unit failed and at least one succeeded.
type AggregationResult struct {
	OK         bool             `json:"ok"`
	Partial    bool             `json:"partial"`
	Rows       []MonthSeriesRow `json:"rows"`
	Categories []string         `json:"categories"`
	ErrorCode  ErrorCode        `json:"errorCode,omitempty"`
	Failed     int              `json:"failedUnits"`
}
