package upstreamlog

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// CleanupInterval is how often expired entries are deleted.
const CleanupInterval = 1 * time.Hour

// runCleanupLoop calls cleanupFn immediately and then every CleanupInterval
// until stop is closed.
func runCleanupLoop(clock clockwork.Clock, stop <-chan struct{}, cleanupFn func()) {
	ticker := clock.NewTicker(CleanupInterval)
	defer ticker.Stop()

	cleanupFn()

	for {
		select {
		case <-ticker.Chan():
			cleanupFn()
		case <-stop:
			return
		}
	}
}

// retentionCutoff is the oldest timestamp kept for retentionDays.
func retentionCutoff(now time.Time, retentionDays int) time.Time {
	return now.AddDate(0, 0, -retentionDays).UTC()
}
