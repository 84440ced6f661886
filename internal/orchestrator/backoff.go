package orchestrator

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: base doubled per attempt, scaled by a
// jitter factor in [0.8, 1.2] and capped at Max.
type Backoff struct {
	Rand func() float64 // Uniform in [0,1); nil uses math/rand
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retrying after the attempt-th failure.
// The first retry waits about Base.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	jitter := 0.8 + 0.4*r()

	d := float64(b.Base) * math.Pow(2, float64(attempt-1)) * jitter
	if b.Max > 0 && d >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
