package worker

import (
	"time"
)

// maxStartDelay caps the pre-connect backoff at five minutes.
const maxStartDelay = 300 * time.Second

// StartDelay computes the pre-connect sleep from the daemon's per-user error
// count: min(errors³−1, 300) seconds, clamped to [0, 300]. Cubic growth
// keeps recovery from one-off faults instant (0 and 1 errors sleep nothing)
// while a persistently failing account hits the ceiling once its error count
// reaches seven.
func StartDelay(errorCount int) time.Duration {
	if errorCount <= 0 {
		return 0
	}

	seconds := errorCount*errorCount*errorCount - 1
	if seconds < 0 {
		seconds = 0
	}

	delay := time.Duration(seconds) * time.Second
	if delay > maxStartDelay {
		delay = maxStartDelay
	}

	return delay
}
