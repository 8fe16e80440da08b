package base

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRetryable = fmt.Errorf("transient")

func always(error) bool { return true }

func TestRetryPolicySucceedsAfterRetry(t *testing.T) {
	rp := NewRetryPolicy(2, time.Millisecond)
	calls := 0
	err := rp.ExecuteWithCondition(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errRetryable
		}
		return nil
	}, always)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryPolicyReturnsLastError(t *testing.T) {
	rp := NewRetryPolicy(3, time.Millisecond)
	calls := 0
	err := rp.ExecuteWithCondition(context.Background(), func() error {
		calls++
		return fmt.Errorf("attempt %d", calls)
	}, always)

	assert.EqualError(t, err, "attempt 3")
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyStopsOnNonRetryable(t *testing.T) {
	rp := NewRetryPolicy(5, time.Millisecond)
	calls := 0
	err := rp.ExecuteWithCondition(context.Background(), func() error {
		calls++
		return errRetryable
	}, func(error) bool { return false })

	assert.ErrorIs(t, err, errRetryable)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyCancelledDuringDelay(t *testing.T) {
	rp := NewRetryPolicy(2, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := rp.ExecuteWithCondition(ctx, func() error {
		calls++
		return errRetryable
	}, always)

	assert.ErrorIs(t, err, errRetryable)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryPolicyDelay(t *testing.T) {
	rp := NewRetryPolicy(4, 100*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, rp.calculateDelay(0))
	assert.Equal(t, 400*time.Millisecond, rp.calculateDelay(2))

	rp.MaxDelay = 150 * time.Millisecond
	assert.Equal(t, 150*time.Millisecond, rp.calculateDelay(3))

	jittered := rp.WithRandomization(0.5)
	assert.Zero(t, rp.RandomizeFactor)
	for i := 0; i < 20; i++ {
		d := jittered.calculateDelay(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
