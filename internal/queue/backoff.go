// ABOUTME: Exponential backoff schedule for failed jobs.
// ABOUTME: Doubles a base delay per attempt and adds positive jitter to spread retries.
package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes how long a job waits before its next attempt after a
// reported failure. The delay for attempt n is Base * 2^(n-1) plus up to
// 10% jitter. Jitter is strictly additive so the delay never undercuts
// the deterministic floor.
type Backoff struct {
	Base time.Duration
}

// Delay returns the wait before re-running a job whose attempt number n
// just failed, and whether a retry is allowed at all. When n has reached
// maxAttempts the schedule is exhausted and Delay returns (0, false);
// the job must escalate to terminal failure instead of rescheduling.
func (b Backoff) Delay(n, maxAttempts int) (time.Duration, bool) {
	if n >= maxAttempts {
		return 0, false
	}
	if n < 1 {
		n = 1
	}
	floor := float64(b.Base) * math.Pow(2, float64(n-1))
	jitter := rand.Float64() * 0.10 * floor
	return time.Duration(floor + jitter), true
}
