// Package retry provides the single retry policy used wherever the engine
// talks to an unreliable upstream. Call sites parameterize attempts and
// backoff instead of hand-rolling their own loops.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Policy describes how an operation is retried: how many attempts in total
// and how long to wait before each retry. Backoff receives the 1-based number
// of the attempt that just failed.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	// Sleep waits between attempts. Nil means a plain timer; callers with
	// their own cancellable wait inject it here.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy retries three times with exponential backoff from one second,
// capped at thirty, plus up to 25% jitter.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	Backoff:     ExponentialBackoff(time.Second, 30*time.Second),
}

// ExponentialBackoff returns a backoff function growing 1.5x per attempt from
// initial, capped at max, with random jitter up to a quarter of the delay.
func ExponentialBackoff(initial, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		backoff := initial
		for i := 1; i < attempt; i++ {
			backoff = time.Duration(float64(backoff) * 1.5)
			if backoff >= max {
				backoff = max
				break
			}
		}
		if maxJitter := int64(backoff / 4); maxJitter > 0 {
			if jitter, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
				backoff += time.Duration(jitter.Int64())
			}
		}
		return backoff
	}
}

// ConstantBackoff returns a backoff function that always waits d.
func ConstantBackoff(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Do runs fn under the policy. It retries only while retryable reports the
// error as transient; a nil retryable means every error is retried. The last
// error is returned once attempts are exhausted. Context cancellation aborts
// immediately, including mid-backoff.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return fmt.Errorf("after %d attempts: %w", attempt, lastErr)
		}
		if attempt == attempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		if p.Sleep != nil {
			if err := p.Sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// IsTransient classifies an error as worth retrying based on well-known
// network and throttling failure signatures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	patterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range patterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
