package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	// BackoffFixed waits Base before every retry.
	BackoffFixed BackoffKind = "fixed"
	// BackoffExponential waits Base * 2^(attempt-1), capped at
	// MaxBackoffDelay, jittered ±20%.
	BackoffExponential BackoffKind = "exponential"
)

// MaxBackoffDelay caps the exponential curve so a job with a large retry
// budget is never parked for longer than five minutes between attempts.
const MaxBackoffDelay = 5 * time.Minute

// Backoff is the retry wait policy attached to a job at enqueue time.
type Backoff struct {
	Kind BackoffKind   `json:"kind"`
	Base time.Duration `json:"base"`
}

// Delay returns the wait before the retry that follows failed attempt n
// (1-indexed: n=1 is the first attempt's failure). Exponential delays are
// jittered ±20% to avoid thundering-herd retries.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch b.Kind {
	case BackoffFixed:
		return b.Base
	default:
		d := float64(b.Base) * math.Pow(2, float64(attempt-1))
		if d > float64(MaxBackoffDelay) {
			d = float64(MaxBackoffDelay)
		}
		// Jitter in [0.8, 1.2).
		d *= 0.8 + 0.4*rand.Float64() //nolint:gosec // non-crypto jitter
		return time.Duration(d)
	}
}
