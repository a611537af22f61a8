// Package broker defines the uniform order interface the engine trades
// through, with a paper variant that fills locally and a live variant that
// delegates to the broker's REST API. Both honor idempotency keys: replaying
// a key returns the prior order without side effects.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Order sides.
type Side string

// Order types.
type OrderType string

// Order statuses.
type Status string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"

	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"

	StatusPending  Status = "PENDING"
	StatusFilled   Status = "FILLED"
	StatusRejected Status = "REJECTED"
)

var (
	// ErrRejected is returned when the broker refuses an order.
	ErrRejected = errors.New("broker: order rejected")
	// ErrRateLimited is returned when the broker throttles us.
	ErrRateLimited = errors.New("broker: rate limited")
	// ErrNoPrice is returned when a paper MARKET order has no tick to fill at.
	ErrNoPrice = errors.New("broker: no price available")
)

// OrderRequest describes one order to place. Price is required for LIMIT
// orders and ignored for MARKET. A non-empty IdempotencyKey makes the
// placement replay-safe.
type OrderRequest struct {
	Segment        string
	SecurityID     string
	Side           Side
	Quantity       int
	Price          decimal.Decimal
	Type           OrderType
	IdempotencyKey string
	// Tag annotates the order's intent, e.g. an exit reason. It travels
	// into the fill so downstream consumers see why the order was placed.
	Tag string
}

// Order is the broker's record of a placed order.
type Order struct {
	ID         string          `json:"id"`
	Segment    string          `json:"segment"`
	SecurityID string          `json:"security_id"`
	Side       Side            `json:"side"`
	Quantity   int             `json:"quantity"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Status     Status          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Tag        string          `json:"tag,omitempty"`
	PlacedAt   time.Time       `json:"placed_at"`
	Replayed   bool            `json:"-"`
}

// Broker places orders. Implementations must be safe for concurrent use.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
}

// FillHandler receives every filled order. The position tracker implements
// it; the paper broker and the live order monitor call it.
type FillHandler interface {
	ApplyFill(ctx context.Context, order Order) error
}
