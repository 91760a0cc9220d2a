package broker

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before reconnect attempt n (1-indexed).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ExponentialJitter picks a random delay in [0, min(Initial*2^(attempt-1), Max)].
// Full jitter keeps a fleet of workers from hammering a broker that just came back.
type ExponentialJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay implements Backoff.
func (e ExponentialJitter) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter does not need crypto rand
}

// ConstantBackoff always waits the same interval.
type ConstantBackoff time.Duration

// Delay implements Backoff.
func (c ConstantBackoff) Delay(int) time.Duration { return time.Duration(c) }
