package base

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// NewRetryPolicy creates a retry policy with exponential backoff and no
// jitter.
func NewRetryPolicy(maxAttempts int, initialDelay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
	}
}

// ExecuteWithCondition runs fn until it succeeds, shouldRetry rejects its
// error or MaxAttempts is reached. The last error from fn is returned as is.
// A cancelled ctx ends the wait between attempts and also returns the last
// error from fn.
func (rp *RetryPolicy) ExecuteWithCondition(ctx context.Context, fn func() error, shouldRetry func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) || attempt == rp.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(rp.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

// calculateDelay calculates the delay for a given attempt
func (rp *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))

	if rp.MaxDelay > 0 && delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		delay = delay - delta + rand.Float64()*2*delta //nolint:gosec // jitter only
	}

	return time.Duration(delay)
}

// WithRandomization returns a copy of the policy with the given jitter factor.
func (rp *RetryPolicy) WithRandomization(factor float64) *RetryPolicy {
	policy := *rp
	policy.RandomizeFactor = factor
	return &policy
}
