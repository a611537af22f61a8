package history

import (
	"context"
	"sync"
	"time"
)

// TokenBucket throttles historical fetches to a budget of requests per
// minute. Refill is continuous rather than in whole-minute bursts so a burst
// at minute boundaries cannot double-spend the quota. Callers block in Wait
// until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a bucket allowing perMinute requests per minute,
// with the full budget available immediately.
func NewTokenBucket(perMinute int) *TokenBucket {
	if perMinute < 1 {
		perMinute = 1
	}
	return &TokenBucket{
		tokens:   float64(perMinute),
		capacity: float64(perMinute),
		rate:     float64(perMinute) / 60,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// StaggerDelay spreads n per-symbol fetch schedules evenly across one fetch
// interval so symbols never hit the upstream API in the same instant.
func StaggerDelay(index, total int, interval time.Duration) time.Duration {
	if total <= 1 || index <= 0 {
		return 0
	}
	return time.Duration(int64(interval) * int64(index%total) / int64(total))
}
