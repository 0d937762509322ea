package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds how many times an operation runs and how long to back
// off between runs.
type RetryPolicy struct {
	// MaxAttempts is the total number of times the operation runs,
	// including the first. The engine sets this from the
	// circ-build-attempts / measurement-attempts flags.
	MaxAttempts int

	// InitialDelay is the backoff before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt.
	Multiplier float64

	// Jitter in [0, 1] randomizes each delay by up to ±Jitter of its
	// computed value.
	Jitter float64

	// RetryableCategories lists categories retried even when the error
	// itself is not marked Retryable. Nil means only Retryable errors
	// are retried.
	RetryableCategories map[Category]bool
}

// DefaultRetryPolicy covers the transient failure classes of the
// measurement path: circuit extension, proxy connects, and timeouts.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
		RetryableCategories: map[Category]bool{
			CategoryConnection: true,
			CategoryCircuit:    true,
			CategoryNetwork:    true,
			CategoryTimeout:    true,
		},
	}
}

// RetryableFunc is one attempt of a retryable operation.
type RetryableFunc func() error

// RetryWithPolicy runs fn up to policy.MaxAttempts times, backing off
// between failures. It returns nil on the first success, fn's error
// immediately when it is not retryable, and a wrapped final error when
// every attempt fails.
func RetryWithPolicy(ctx context.Context, policy *RetryPolicy, fn RetryableFunc) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !policy.shouldRetry(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			return fmt.Errorf("all %d attempts failed: %w", policy.MaxAttempts, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		case <-time.After(policy.delay(attempt - 1)):
		}
	}
	return lastErr
}

// Retry runs fn under DefaultRetryPolicy.
func Retry(ctx context.Context, fn RetryableFunc) error {
	return RetryWithPolicy(ctx, DefaultRetryPolicy(), fn)
}

func (p *RetryPolicy) shouldRetry(err error) bool {
	if IsRetryable(err) {
		return true
	}
	if p.RetryableCategories != nil {
		return p.RetryableCategories[GetCategory(err)]
	}
	return false
}

// delay computes the backoff after the given zero-based failed attempt,
// with exponential growth capped at MaxDelay plus optional jitter.
func (p *RetryPolicy) delay(failed int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(failed))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * p.Jitter
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}
