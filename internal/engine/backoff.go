package engine

import (
	"math"
	"math/rand"
	"time"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 30 * time.Second
)

// retryDelay returns the exponential backoff before transient-retry attempt
// n (1-based), with jitter so racing workers don't retry in lockstep.
func retryDelay(attempt int) time.Duration {
	delay := time.Duration(float64(backoffBase) * math.Pow(2, float64(attempt-1)))
	delay = min(delay, backoffCap)
	jitter := time.Duration(rand.Int63n(int64(delay/2))) - delay/4
	return delay + jitter
}
