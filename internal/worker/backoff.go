package worker

import (
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before a failed attempt may be retried:
// exponential in the attempt number with additive jitter, bounded by cap.
// For attempt n the delay falls in [base·2ⁿ⁻¹, base·2ⁿ), so it is
// non-decreasing in n until the cap flattens it.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}

	raw := base
	for i := 1; i < attempt; i++ {
		raw *= 2
		if raw >= cap || raw <= 0 { // overflow guard
			return cap
		}
	}

	delay := raw + rand.N(raw) //nolint:gosec // jitter is not security-sensitive
	if cap > 0 && delay > cap {
		return cap
	}
	return delay
}
