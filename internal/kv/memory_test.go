package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetGetWithTTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.Set(ctx, "k", "v", 2*time.Second))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	// Advance past the TTL; the key must be gone.
	now = now.Add(3 * time.Second)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SetNX(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "k", "first", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "k", "second", 0)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX must lose")

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", got, "writer wins by SETNX")
}

func TestMemoryStore_HashOps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.HSet(ctx, "h", map[string]string{"ltp": "101.5", "sid": "42"}))
	require.NoError(t, store.HSet(ctx, "h", map[string]string{"ltp": "102.0"}))

	v, err := store.HGet(ctx, "h", "ltp")
	require.NoError(t, err)
	assert.Equal(t, "102.0", v)

	all, err := store.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ltp": "102.0", "sid": "42"}, all)

	_, err = store.HGet(ctx, "h", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SetOps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SAdd(ctx, "s", "a", "b", "b"))
	members, err := store.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	ok, err := store.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.SRem(ctx, "s", "a"))
	ok, err = store.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ListOpsBounded(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.LPush(ctx, "l", string(rune('a'+i))))
	}
	// Bound to the latest 3, matching the bar-history retention pattern.
	require.NoError(t, store.LTrim(ctx, "l", 0, 2))

	got, err := store.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "d", "c"}, got)
}

func TestMemoryStore_ThrottleOncePerInterval(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	ok, err := store.Throttle(ctx, "status", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "first call passes")

	ok, err = store.Throttle(ctx, "status", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second call within interval is suppressed")

	now = now.Add(61 * time.Second)
	ok, err = store.Throttle(ctx, "status", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "interval elapsed, throttle reopens")
}

func TestMemoryStore_AdvisoryLock(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.AcquireLock(ctx, "locks:decide", "owner-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireLock(ctx, "locks:decide", "owner-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lock is held")

	// Release by a non-holder is a no-op.
	require.NoError(t, store.ReleaseLock(ctx, "locks:decide", "owner-2"))
	ok, err = store.AcquireLock(ctx, "locks:decide", "owner-3", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lock still held after foreign release")

	require.NoError(t, store.ReleaseLock(ctx, "locks:decide", "owner-1"))
	ok, err = store.AcquireLock(ctx, "locks:decide", "owner-3", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock free after holder release")
}

func TestKeys_Layout(t *testing.T) {
	k := NewKeys("scalper:v1")

	assert.Equal(t, "scalper:v1:ticks:NSE_FNO:49081", k.Tick("NSE_FNO", "49081"))
	assert.Equal(t, "scalper:v1:bars:IDX_I:13:5", k.Bars("IDX_I", "13", 5))
	assert.Equal(t, "scalper:v1:idemp:abc", k.Idempotency("abc"))
	assert.Equal(t, "scalper:v1:pos:open", k.OpenPositions())
	assert.Equal(t, "scalper:v1:orders:paper:s1", k.OrdersList("paper", "s1"))
	assert.Equal(t, "scalper:v1:throttle:status", k.ThrottleKey("status"))
}

func TestHotCache_TTLAndEviction(t *testing.T) {
	cache := NewHotCache[float64](time.Second)
	now := time.Now()
	cache.SetClock(func() time.Time { return now })

	cache.Put("IDX_I:13", 22514.5)

	v, ok := cache.Get("IDX_I:13")
	require.True(t, ok)
	assert.Equal(t, 22514.5, v)

	// Past the soft TTL the entry is invisible.
	now = now.Add(1100 * time.Millisecond)
	_, ok = cache.Get("IDX_I:13")
	assert.False(t, ok)

	// The bound evicts the stalest entry, not the newest.
	small := NewHotCache[int](0)
	small.max = 2
	small.SetClock(func() time.Time { return now })
	small.Put("a", 1)
	now = now.Add(time.Millisecond)
	small.Put("b", 2)
	now = now.Add(time.Millisecond)
	small.Put("c", 3)

	assert.Equal(t, 2, small.Len())
	_, ok = small.Get("a")
	assert.False(t, ok, "oldest entry evicted")
	_, ok = small.Get("c")
	assert.True(t, ok)
}
