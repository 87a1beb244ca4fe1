package health

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines exponential backoff with jitter.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the randomization factor (0.0 to 1.0) applied on top of the base delay.
	Jitter float64
}

// ComputeBackoff returns the delay before attempt (starting at 1).
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeBackoffWithRand is ComputeBackoff with a caller-supplied random
// value in [0, 1).
func ComputeBackoffWithRand(policy BackoffPolicy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	total := base + base*policy.Jitter*randomValue
	if policy.Max > 0 {
		total = math.Min(float64(policy.Max), total)
	}
	return time.Duration(total).Round(time.Millisecond)
}
