package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func alwaysRetryable(error) bool { return true }

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := p.Retry(context.Background(), alwaysRetryable, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := p.Retry(context.Background(), alwaysRetryable, func(ctx context.Context) error {
		calls++
		return errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls, "expected exactly MaxAttempts attempts")
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := p.Retry(context.Background(), alwaysRetryable, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	permanent := errors.New("permanent")

	calls := 0
	err := p.Retry(context.Background(), func(err error) bool {
		return !errors.Is(err, permanent)
	}, func(ctx context.Context) error {
		calls++
		return permanent
	})

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	calls := 0
	err := p.Retry(ctx, alwaysRetryable, func(ctx context.Context) error {
		calls++
		return errTransient
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryClampsAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 0, BaseDelay: time.Millisecond}

	calls := 0
	_ = p.Retry(context.Background(), alwaysRetryable, func(ctx context.Context) error {
		calls++
		return errTransient
	})

	assert.Equal(t, 1, calls)
}

func TestRetryBackoffDoubles(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond}

	start := time.Now()
	_ = p.Retry(context.Background(), alwaysRetryable, func(ctx context.Context) error {
		return errTransient
	})
	elapsed := time.Since(start)

	// base + 2*base between the three attempts
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}
