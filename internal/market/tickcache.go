package market

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantrail/scalpd/internal/kv"
)

// HotTickTTL is the soft TTL of the in-process tick cache.
const HotTickTTL = time.Second

// FallbackFetcher obtains a quote on demand when neither the hot cache nor
// the KV store has a usable tick. The live implementation hits the broker
// quote endpoint; paper sessions use the historical fetcher's latest close.
type FallbackFetcher interface {
	FetchLTP(ctx context.Context, segment, securityID string) (Tick, error)
}

// TickCache is the hottest read path in the engine. Writes go to both the
// bounded in-process hot cache and the KV store; reads check the hot cache
// first, fall through to the KV, and only then invoke the fallback fetcher.
type TickCache struct {
	store    kv.Store
	keys     kv.Keys
	hot      *kv.HotCache[Tick]
	fallback FallbackFetcher
	log      zerolog.Logger
	now      func() time.Time
}

// NewTickCache creates a tick cache over the given store. fallback may be nil,
// in which case misses return not-found.
func NewTickCache(store kv.Store, keys kv.Keys, fallback FallbackFetcher, log zerolog.Logger) *TickCache {
	return &TickCache{
		store:    store,
		keys:     keys,
		hot:      kv.NewHotCache[Tick](HotTickTTL),
		fallback: fallback,
		log:      log.With().Str("component", "tickcache").Logger(),
		now:      time.Now,
	}
}

// SetClock overrides the cache clock for tests.
func (c *TickCache) SetClock(now func() time.Time) {
	c.now = now
	c.hot.SetClock(now)
}

func hotKey(segment, securityID string) string {
	return segment + ":" + securityID
}

// Put stores a tick with a wall-clock timestamp in both cache layers.
// Ticks missing their identity fields are dropped silently.
func (c *TickCache) Put(ctx context.Context, tick Tick) error {
	if tick.Segment == "" || tick.SecurityID == "" {
		return nil
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = c.now()
	}
	c.hot.Put(hotKey(tick.Segment, tick.SecurityID), tick)

	key := c.keys.Tick(tick.Segment, tick.SecurityID)
	if err := c.store.HSet(ctx, key, tick.Fields()); err != nil {
		return err
	}
	return c.store.Expire(ctx, key, kv.TickTTL)
}

// Get returns the latest tick for an instrument, checking the hot cache and
// then the KV store. It does not use the fallback fetcher.
func (c *TickCache) Get(ctx context.Context, segment, securityID string) (Tick, bool) {
	if tick, ok := c.hot.Get(hotKey(segment, securityID)); ok {
		return tick, true
	}
	fields, err := c.store.HGetAll(ctx, c.keys.Tick(segment, securityID))
	if err != nil || len(fields) == 0 {
		return Tick{}, false
	}
	tick := ParseTick(fields)
	if !tick.Valid() {
		return Tick{}, false
	}
	c.hot.Put(hotKey(segment, securityID), tick)
	return tick, true
}

// LTP returns the last traded price. On a full miss and useFallback, the
// fallback fetcher is invoked once, its result cached, and its LTP returned.
// The second return is false only when the fallback also fails.
func (c *TickCache) LTP(ctx context.Context, segment, securityID string, useFallback bool) (float64, bool) {
	if tick, ok := c.Get(ctx, segment, securityID); ok {
		return tick.LTP, true
	}
	if !useFallback || c.fallback == nil {
		return 0, false
	}
	tick, err := c.fallback.FetchLTP(ctx, segment, securityID)
	if err != nil {
		c.log.Debug().Err(err).
			Str("segment", segment).Str("sid", securityID).
			Msg("fallback quote failed")
		return 0, false
	}
	tick.Segment, tick.SecurityID = segment, securityID
	if err := c.Put(ctx, tick); err != nil {
		c.log.Warn().Err(err).Str("sid", securityID).Msg("failed to cache fallback tick")
	}
	return tick.LTP, true
}

// Fresh reports whether a tick exists and is no older than maxAge.
func (c *TickCache) Fresh(ctx context.Context, segment, securityID string, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxTickAge
	}
	tick, ok := c.Get(ctx, segment, securityID)
	if !ok {
		return false
	}
	return tick.Age(c.now()) <= maxAge
}

// RequireFresh returns the tick or ErrStaleTick / kv.ErrNotFound.
func (c *TickCache) RequireFresh(ctx context.Context, segment, securityID string, maxAge time.Duration) (Tick, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxTickAge
	}
	tick, ok := c.Get(ctx, segment, securityID)
	if !ok {
		return Tick{}, kv.ErrNotFound
	}
	if tick.Age(c.now()) > maxAge {
		return Tick{}, ErrStaleTick
	}
	return tick, nil
}

// IsNotFound reports whether an error is the cache's miss sentinel.
func IsNotFound(err error) bool { return errors.Is(err, kv.ErrNotFound) }
