package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseLockScript deletes a lock key only when the stored owner token
// matches, so a lock that expired and was re-acquired by another process is
// never released by the stale holder.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisStore implements Store on a Redis backend.
type RedisStore struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
// A ping failure is reported as ErrUnavailable.
func NewRedisStore(addr, password string, db int, log zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, addr, err)
	}

	log.Info().Str("component", "kv").Str("addr", addr).Msg("connected to redis")
	return &RedisStore{client: client, log: log.With().Str("component", "kv").Logger()}, nil
}

// Ping verifies the backing store is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get retrieves a string value, returning ErrNotFound for a missing key.
func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return val, nil
}

// Set stores a string value with an optional TTL (zero means no expiry).
func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// SetNX stores a value only if the key does not exist yet.
func (r *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	return ok, nil
}

// Del removes the given keys.
func (r *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv del: %w", err)
	}
	return nil
}

// Exists reports whether a key exists.
func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("kv exists %s: %w", key, err)
	}
	return n > 0, nil
}

// HSet writes hash fields.
func (r *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	if err := r.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kv hset %s: %w", key, err)
	}
	return nil
}

// HGet reads one hash field, returning ErrNotFound for a missing field.
func (r *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := r.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv hget %s %s: %w", key, field, err)
	}
	return val, nil
}

// HGetAll reads a whole hash. A missing key yields an empty map.
func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	val, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv hgetall %s: %w", key, err)
	}
	return val, nil
}

// Expire sets a TTL on an existing key.
func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kv expire %s: %w", key, err)
	}
	return nil
}

// SAdd adds members to a set.
func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kv sadd %s: %w", key, err)
	}
	return nil
}

// SRem removes members from a set.
func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kv srem %s: %w", key, err)
	}
	return nil
}

// SMembers returns all members of a set.
func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv smembers %s: %w", key, err)
	}
	return members, nil
}

// SIsMember reports set membership.
func (r *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("kv sismember %s: %w", key, err)
	}
	return ok, nil
}

// LPush prepends values to a list.
func (r *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := r.client.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kv lpush %s: %w", key, err)
	}
	return nil
}

// LTrim bounds a list to the given range.
func (r *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := r.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("kv ltrim %s: %w", key, err)
	}
	return nil
}

// LRange reads a slice of a list.
func (r *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("kv lrange %s: %w", key, err)
	}
	return vals, nil
}

// Throttle returns true at most once per interval for a given name. It stores
// the current epoch under the throttle key with TTL = interval; while the key
// lives, subsequent calls return false.
func (r *RedisStore) Throttle(ctx context.Context, name string, interval time.Duration) (bool, error) {
	key := name
	now := strconv.FormatInt(time.Now().Unix(), 10)
	ok, err := r.client.SetNX(ctx, key, now, interval).Result()
	if err != nil {
		return false, fmt.Errorf("kv throttle %s: %w", name, err)
	}
	return ok, nil
}

// AcquireLock takes an advisory lock via SETNX with the owner token and TTL.
func (r *RedisStore) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, name, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv lock %s: %w", name, err)
	}
	return ok, nil
}

// ReleaseLock releases the lock only if owner still holds it.
func (r *RedisStore) ReleaseLock(ctx context.Context, name, owner string) error {
	if err := releaseLockScript.Run(ctx, r.client, []string{name}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("kv unlock %s: %w", name, err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Ensure RedisStore implements Store at compile time.
var _ Store = (*RedisStore)(nil)
