package backoff

import (
	"context"
	"errors"

	"github.com/benbjohnson/clock"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been exhausted.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// ErrPermanent marks an error that must not be retried.
var ErrPermanent = errors.New("permanent failure")

// Result holds the outcome of a retry loop.
type Result[T any] struct {
	Value     T
	Attempts  int
	LastError error
}

// Retry runs fn until it succeeds, the policy is exhausted, or ctx ends.
// Errors wrapping ErrPermanent stop the loop immediately.
func Retry[T any](ctx context.Context, clk clock.Clock, policy Policy, fn func(attempt int) (T, error)) (Result[T], error) {
	var result Result[T]

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			result.LastError = nil
			return result, nil
		}
		result.LastError = err
		if errors.Is(err, ErrPermanent) {
			return result, err
		}
		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			return result, ErrMaxAttemptsExhausted
		}
		if err := Sleep(ctx, clk, policy.Delay(attempt)); err != nil {
			return result, err
		}
	}
}
