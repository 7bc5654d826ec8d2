// Package backoff computes retry delays from policies expressed as data, so
// reconnect and polling loops can be driven by a virtual clock in tests.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes how long to wait before each retry attempt.
type Policy struct {
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay"`
	// MaxDelay caps every computed wait.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Factor multiplies the wait on each attempt. 1 gives a fixed delay.
	Factor float64 `yaml:"factor"`
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the wait.
	Jitter float64 `yaml:"jitter"`
	// MaxAttempts bounds retries. Zero retries forever.
	MaxAttempts int `yaml:"max_attempts"`
}

// Fixed returns a policy that waits delay before every attempt, forever.
func Fixed(delay time.Duration) Policy {
	return Policy{
		InitialDelay: delay,
		MaxDelay:     delay,
		Factor:       1,
	}
}

// Exponential returns a doubling policy with 10% jitter.
func Exponential(initial, max time.Duration) Policy {
	return Policy{
		InitialDelay: initial,
		MaxDelay:     max,
		Factor:       2,
		Jitter:       0.1,
	}
}

// Delay returns the wait before the given attempt. Attempt numbers start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller-supplied random value in [0.0, 1.0).
// The formula is min(max, initial*factor^(attempt-1) * (1 + jitter*random)).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}

	base := float64(p.InitialDelay) * math.Pow(factor, exp)
	total := base + base*p.Jitter*randomValue
	if p.MaxDelay > 0 {
		total = math.Min(float64(p.MaxDelay), total)
	}
	return time.Duration(math.Round(total))
}

// Exhausted reports whether attempt is past the policy's bound.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
