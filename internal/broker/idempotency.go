package broker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantrail/scalpd/internal/kv"
)

// Registry maps idempotency keys to the orders they produced. Keys live in
// the KV store with a 24 hour TTL plus an in-memory mirror for the hot path;
// concurrent writers race on SETNX and the first one wins.
type Registry struct {
	store kv.Store
	keys  kv.Keys
	log   zerolog.Logger

	mu     sync.Mutex
	mirror map[string]string // idempotency key -> order id
}

// NewRegistry creates an idempotency registry over the store.
func NewRegistry(store kv.Store, keys kv.Keys, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		keys:   keys,
		log:    logger.With().Str("component", "idempotency").Logger(),
		mirror: make(map[string]string),
	}
}

// Lookup returns the prior order for a key, if any. An empty key never
// matches.
func (r *Registry) Lookup(ctx context.Context, key string) (Order, bool) {
	if key == "" {
		return Order{}, false
	}

	r.mu.Lock()
	orderID, ok := r.mirror[key]
	r.mu.Unlock()

	if !ok {
		id, err := r.store.Get(ctx, r.keys.Idempotency(key))
		if err != nil {
			return Order{}, false
		}
		orderID = id
		r.mu.Lock()
		r.mirror[key] = orderID
		r.mu.Unlock()
	}

	order, err := LoadOrder(ctx, r.store, r.keys, orderID)
	if err != nil {
		return Order{}, false
	}
	order.Replayed = true
	return order, true
}

// Register records key -> order id. Returns false when another writer got
// there first.
func (r *Registry) Register(ctx context.Context, key string, order Order) bool {
	if key == "" {
		return false
	}
	won, err := r.store.SetNX(ctx, r.keys.Idempotency(key), order.ID, kv.IdempotencyTTL)
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("idempotency register failed")
		return false
	}
	if won {
		r.mu.Lock()
		r.mirror[key] = order.ID
		r.mu.Unlock()
	}
	return won
}

// PersistOrder writes the order record hash with a 24 hour TTL and appends
// the id to the per-session order list.
func PersistOrder(ctx context.Context, store kv.Store, keys kv.Keys, mode, sessionID string, order Order) error {
	key := keys.Order(order.ID)
	err := store.HSet(ctx, key, map[string]string{
		"id":          order.ID,
		"segment":     order.Segment,
		"security_id": order.SecurityID,
		"side":        string(order.Side),
		"quantity":    strconv.Itoa(order.Quantity),
		"avg_price":   order.AvgPrice.String(),
		"status":      string(order.Status),
		"reason":      order.Reason,
		"tag":         order.Tag,
		"placed_at":   strconv.FormatInt(order.PlacedAt.Unix(), 10),
	})
	if err != nil {
		return err
	}
	if err := store.Expire(ctx, key, kv.OrderTTL); err != nil {
		return err
	}
	return store.LPush(ctx, keys.OrdersList(mode, sessionID), order.ID)
}

// LoadOrder reads an order record back from the store.
func LoadOrder(ctx context.Context, store kv.Store, keys kv.Keys, orderID string) (Order, error) {
	fields, err := store.HGetAll(ctx, keys.Order(orderID))
	if err != nil {
		return Order{}, err
	}
	if len(fields) == 0 {
		return Order{}, kv.ErrNotFound
	}

	order := Order{
		ID:         fields["id"],
		Segment:    fields["segment"],
		SecurityID: fields["security_id"],
		Side:       Side(fields["side"]),
		Status:     Status(fields["status"]),
		Reason:     fields["reason"],
		Tag:        fields["tag"],
	}
	if qty, err := strconv.Atoi(fields["quantity"]); err == nil {
		order.Quantity = qty
	}
	if price, err := decimal.NewFromString(fields["avg_price"]); err == nil {
		order.AvgPrice = price
	}
	if epoch, err := strconv.ParseInt(fields["placed_at"], 10, 64); err == nil {
		order.PlacedAt = time.Unix(epoch, 0).UTC()
	}
	if order.ID == "" {
		return Order{}, errors.New("broker: malformed order record")
	}
	return order, nil
}
