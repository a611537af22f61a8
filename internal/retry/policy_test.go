package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, Backoff: ConstantBackoff(time.Millisecond)}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	}, IsTransient)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	boom := errors.New("connection refused")
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	}, IsTransient)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	boom := errors.New("order rejected: insufficient margin")
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	}, IsTransient)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "non-transient errors are not retried")
}

func TestDo_ContextCancelAbortsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 3, Backoff: ConstantBackoff(time.Minute)}

	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := policy.Do(ctx, func(context.Context) error {
		return errors.New("timeout")
	}, IsTransient)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDo_UsesInjectedSleep(t *testing.T) {
	var waits []time.Duration
	policy := Policy{
		MaxAttempts: 3,
		Backoff:     ConstantBackoff(time.Minute),
		Sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}

	calls := 0
	start := time.Now()
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("timeout")
	}, IsTransient)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, waits, "the stub sees every backoff")
	assert.Less(t, time.Since(start), time.Second, "no real timer fires")
}

func TestExponentialBackoff_GrowsAndCaps(t *testing.T) {
	backoff := ExponentialBackoff(time.Second, 4*time.Second)

	first := backoff(1)
	assert.GreaterOrEqual(t, first, time.Second)
	assert.LessOrEqual(t, first, 1250*time.Millisecond, "jitter bounded by a quarter")

	deep := backoff(20)
	assert.LessOrEqual(t, deep, 5*time.Second, "capped plus jitter")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(errors.New("status 503")))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", errors.New("rate limit exceeded"))))
	assert.False(t, IsTransient(errors.New("order rejected")))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
}
