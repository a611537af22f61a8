// Package kv provides the namespaced durable key-value store that backs the
// trading engine: ticks, positions, orders, session PnL, advisory locks,
// throttles, and idempotency keys.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can call them from multiple goroutines.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key or hash field does not exist.
	ErrNotFound = errors.New("kv: key not found")
	// ErrUnavailable is returned when the backing store cannot be reached.
	// At startup this is fatal; a write must never be masked as success.
	ErrUnavailable = errors.New("kv: store unavailable")
)

// Store defines the contract the engine requires from its key-value backend.
// RedisStore is the durable implementation; MemoryStore serves paper trading
// without a Redis and the test suite.
type Store interface {
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// String operations. A zero ttl means no expiry.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Hash operations, used for tick and position records.
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Set operations, used for the tradable universe and open positions.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// List operations, used for bounded per-minute bar history.
	LPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Throttle returns true at most once per interval for a given name.
	Throttle(ctx context.Context, name string, interval time.Duration) (bool, error)

	// AcquireLock takes an advisory lock with an owner token and TTL.
	// ReleaseLock deletes the lock only if the current holder matches owner;
	// otherwise it is a no-op.
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error

	Close() error
}
