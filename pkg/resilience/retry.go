package resilience

import (
	"context"
	"time"
)

// RetryPolicy defines retry behavior for transient failures. The delay
// doubles after each failed attempt starting from Backoff.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

func (r RetryPolicy) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), fn)
}

// DoWithContext runs fn up to MaxRetries+1 times, sleeping the doubling
// backoff between attempts. It stops early when ctx is done.
func (r RetryPolicy) DoWithContext(ctx context.Context, fn func() error) error {
	var err error
	delay := r.Backoff
	for i := 0; i <= r.MaxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if i == r.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
