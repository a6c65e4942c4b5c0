package workflow

import (
	"math/rand"
	"time"
)

// computeBackoff calculates the delay before retrying a failed step attempt
// using exponential backoff with jitter:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// attempt is zero-based (0 = first retry). Jitter randomizes retry timing
// across concurrent steps to avoid synchronized retry storms. A zero base
// disables backoff entirely (immediate retries).
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	// Bit shift for 2^attempt; clamp the shift so it cannot overflow.
	shift := attempt
	if shift > 32 {
		shift = 32
	}
	delay := base * (1 << shift)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry timing, not security
	return delay + jitter
}
