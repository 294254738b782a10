package queue

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes retry delays as min(Initial * 2^(attempt-1), Max).
// With Jitter the delay is drawn uniformly from [delay/2, delay].
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// DefaultBackoff is 5s doubling up to 3m.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 5 * time.Second, Max: 3 * time.Minute}
}

// Delay returns the wait before retry attempt n (1-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter {
		d = d/2 + rand.Float64()*d/2 //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}
