package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy is a bounded retry policy for one failure class.
type Policy struct {
	MaxAttempts int           // Retries allowed after the first try
	Delay       time.Duration // Delay before the first retry
	MaxDelay    time.Duration // Cap for backoff; zero means no cap
	Multiplier  float64       // Backoff multiplier; <= 1 means fixed delay
	// NonRetryable errors end the loop immediately (matched with errors.Is).
	NonRetryable []error
}

// Fixed returns a policy with a fixed delay.
func Fixed(maxAttempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Delay: delay, Multiplier: 1}
}

// DefaultPolicy returns the policy used for signaling writes.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 2,
		Delay:       100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
	}
}

// Allow reports whether retry number attempt (1-based) is permitted.
func (p Policy) Allow(attempt int) bool {
	return attempt >= 1 && attempt <= p.MaxAttempts
}

// Backoff returns the delay before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Delay)
	if p.Multiplier > 1 {
		delay *= math.Pow(p.Multiplier, float64(attempt-1))
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Do runs fn until it succeeds, the policy is exhausted or ctx ends.
func Do(ctx context.Context, p Policy, fn func() error) error {
	_, err := DoWithResult(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
			case <-time.After(p.Backoff(attempt)):
			}
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if p.isNonRetryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", p.MaxAttempts, lastErr)
}

func (p Policy) isNonRetryable(err error) bool {
	for _, target := range p.NonRetryable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
