// Package retry runs an operation a bounded number of times with
// exponential backoff between attempts.
package retry

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultMaxAttempts is the number of tries before Do gives up.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the wait after the first failure. It doubles on
	// each further failure.
	DefaultBaseDelay = time.Second

	// DefaultMaxDelay caps the backoff interval.
	DefaultMaxDelay = 30 * time.Second
)

// Policy describes how often and how patiently to retry.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry, if set, is called after a failed attempt that will be
	// retried, with the 1-based attempt number and the wait before the next.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Default returns the policy used for report uploads: 3 attempts, waiting
// 1s then 2s.
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Do executes fn up to p.MaxAttempts times. fn receives the 1-based attempt
// number. Do returns nil on the first successful call, or a wrapped error
// containing the last failure once all attempts are exhausted.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := range maxAttempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn(attempt + 1)
		if lastErr == nil {
			return nil
		}

		if attempt < maxAttempts-1 {
			wait := p.Delay(attempt)
			if p.OnRetry != nil {
				p.OnRetry(attempt+1, lastErr, wait)
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

// Delay returns the wait after the given 0-based failed attempt:
// BaseDelay * 2^attempt, capped at MaxDelay when MaxDelay is positive.
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay * (1 << attempt)
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}
