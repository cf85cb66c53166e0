package replication

import (
	"math/rand"
	"time"
)

// BackoffStrategy chooses the delay before reconnection attempt n
// (counting from zero).
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff multiplies InitialDelay by Multiplier per attempt, up
// to MaxDelay, and spreads each delay by up to Jitter of itself.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultBackoff is used when no strategy is configured; MaxDelay is
// replaced by the configuration's MaxAttemptWaitTime.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     DefaultMaxAttemptWaitTime,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := eb.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(eb.InitialDelay)
	for i := 0; i < attempt && delay < float64(eb.MaxDelay); i++ {
		delay *= mult
	}
	if eb.Jitter > 0 {
		delay += delay * eb.Jitter * (rand.Float64()*2 - 1)
	}
	result := time.Duration(delay)
	if eb.MaxDelay > 0 && result > eb.MaxDelay {
		result = eb.MaxDelay
	}
	if result < 0 {
		result = 0
	}
	return result
}
