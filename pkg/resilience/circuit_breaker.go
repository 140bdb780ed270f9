package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError marks a provider 429 so callers can distinguish
// quota pressure from hard failures.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

// IsRateLimit reports whether the error chain contains a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// CircuitBreaker sheds load after repeated rate-limit failures. Only
// rate limits trip it; transient network errors are the retry policy's
// problem, not the breaker's.
type CircuitBreaker struct {
	mu        sync.Mutex
	now       func() time.Time
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{now: time.Now, threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a request may proceed. Once the cooldown has
// elapsed the breaker closes again and traffic resumes.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openUntil.IsZero() {
		return true
	}
	if c.now().Before(c.openUntil) {
		return false
	}
	c.openUntil = time.Time{}
	c.failures = 0
	return true
}

// OnSuccess closes the breaker and clears the failure count.
func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

// OnError counts a rate-limit failure, opening the breaker for the
// cooldown once the threshold is reached. Other errors are ignored.
func (c *CircuitBreaker) OnError(err error) {
	if !IsRateLimit(err) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.threshold {
		c.openUntil = c.now().Add(c.cooldown)
	}
}
