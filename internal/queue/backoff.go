package queue

import (
	"math/rand"
	"time"

	"github.com/acme/coupon-issuance/internal/config"
)

// NextAttempt returns when attempt (1-based) should be retried: base doubled
// per attempt, capped at max, then spread by +/- jitter/2.
func NextAttempt(now time.Time, attempt int, policy config.RetryConfig, rng *rand.Rand) time.Time {
	base := policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	if policy.Jitter > 0 && rng != nil {
		jitterFraction := rng.Float64()*policy.Jitter - (policy.Jitter / 2)
		delay += time.Duration(float64(delay) * jitterFraction)
		if delay < base {
			delay = base
		}
	}

	return now.Add(delay)
}
