// Package backoff schedules the next settlement retry.
package backoff

import (
	"math/rand/v2"
	"time"
)

// DefaultSchedule is indexed by the number of attempts already made.
var DefaultSchedule = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

// DefaultJitter is the largest fraction added on top of the scheduled delay.
const DefaultJitter = 0.2

// Policy maps an attempt count to a delay. Zero values fall back to the defaults.
type Policy struct {
	Schedule []time.Duration
	Jitter   float64
	// Float returns a value in [0,1). Nil uses math/rand/v2.
	Float func() float64
}

// Default is the production policy.
var Default = Policy{}

// NextDelay returns the wait before the next attempt using the default policy.
func NextDelay(attemptCount int) time.Duration {
	return Default.NextDelay(attemptCount)
}

// NextDelay returns schedule[min(attemptCount, len-1)] plus up to Jitter of itself.
func (p Policy) NextDelay(attemptCount int) time.Duration {
	schedule := p.Schedule
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	idx := attemptCount
	if idx < 0 {
		idx = 0
	}
	if idx > len(schedule)-1 {
		idx = len(schedule) - 1
	}
	base := schedule[idx]

	jitter := p.Jitter
	if jitter == 0 {
		jitter = DefaultJitter
	}
	if jitter < 0 {
		return base
	}
	draw := rand.Float64
	if p.Float != nil {
		draw = p.Float
	}
	return base + time.Duration(float64(base)*jitter*draw())
}
