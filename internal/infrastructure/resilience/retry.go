package resilience

import (
	"context"
	"time"
)

// RetryPolicy defines bounded retry with exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay after the first failed attempt; each further
	// failure doubles it (base * 2^(attempt-1)).
	BaseDelay time.Duration
}

// DefaultRetryPolicy returns the standard policy: 3 attempts, 1s base delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}
}

// Retry executes fn up to MaxAttempts times, sleeping with exponential
// backoff between attempts. A failure is only retried while retryable
// reports true for it; any other error returns immediately. Context
// cancellation aborts the wait and returns ctx.Err().
func (p RetryPolicy) Retry(ctx context.Context, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := p.BaseDelay << (attempt - 1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return err
}
