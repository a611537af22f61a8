package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantrail/scalpd/internal/kv"
	"github.com/quantrail/scalpd/internal/ledger"
	"github.com/quantrail/scalpd/internal/market"
)

// BalanceView is the read side of the ledger the paper broker pre-checks
// affordability against.
type BalanceView interface {
	Snapshot() ledger.Snapshot
}

// Paper is the simulated broker: every order fills immediately at the limit
// price or, for MARKET orders, at the current last traded price. Fills are
// pushed straight into the fill handler so positions and the ledger move
// exactly as they would live.
type Paper struct {
	store     kv.Store
	keys      kv.Keys
	registry  *Registry
	ticks     *market.TickCache
	balance   BalanceView
	fills     FillHandler
	fee       decimal.Decimal
	sessionID string
	log       zerolog.Logger
	now       func() time.Time
}

// NewPaper creates the paper broker. fee is the charge per order leg.
func NewPaper(store kv.Store, keys kv.Keys, ticks *market.TickCache, balance BalanceView, fills FillHandler, fee decimal.Decimal, sessionID string, logger zerolog.Logger) *Paper {
	return &Paper{
		store:     store,
		keys:      keys,
		registry:  NewRegistry(store, keys, logger),
		ticks:     ticks,
		balance:   balance,
		fills:     fills,
		fee:       fee,
		sessionID: sessionID,
		log:       logger.With().Str("component", "paper_broker").Logger(),
		now:       time.Now,
	}
}

var _ Broker = (*Paper)(nil)

// PlaceOrder fills the request locally. A replayed idempotency key returns
// the prior order with no side effects.
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if prior, ok := p.registry.Lookup(ctx, req.IdempotencyKey); ok {
		p.log.Info().
			Str("key", req.IdempotencyKey).
			Str("order_id", prior.ID).
			Msg("idempotency replay, returning prior order")
		return prior, nil
	}
	if req.Quantity <= 0 {
		return Order{}, fmt.Errorf("%w: quantity must be positive", ErrRejected)
	}

	price, err := p.fillPrice(ctx, req)
	if err != nil {
		return Order{}, err
	}

	if req.Side == SideBuy {
		cost := price.Mul(decimal.NewFromInt(int64(req.Quantity))).Add(p.fee)
		if p.balance != nil && p.balance.Snapshot().Available.LessThan(cost) {
			return Order{}, fmt.Errorf("paper order %s %s: %w", req.Side, req.SecurityID, ledger.ErrInsufficientFunds)
		}
	}

	order := Order{
		ID:         uuid.NewString(),
		Segment:    req.Segment,
		SecurityID: req.SecurityID,
		Side:       req.Side,
		Quantity:   req.Quantity,
		AvgPrice:   price,
		Status:     StatusFilled,
		Tag:        req.Tag,
		PlacedAt:   p.now().UTC(),
	}

	if err := p.fills.ApplyFill(ctx, order); err != nil {
		order.Status = StatusRejected
		order.Reason = err.Error()
		p.persist(ctx, req.IdempotencyKey, order)
		return order, fmt.Errorf("paper order %s %s: %w", req.Side, req.SecurityID, err)
	}

	p.persist(ctx, req.IdempotencyKey, order)
	p.log.Info().
		Str("order_id", order.ID).
		Str("side", string(order.Side)).
		Str("security_id", order.SecurityID).
		Int("quantity", order.Quantity).
		Str("avg_price", order.AvgPrice.String()).
		Msg("paper fill")
	return order, nil
}

func (p *Paper) fillPrice(ctx context.Context, req OrderRequest) (decimal.Decimal, error) {
	if req.Type == TypeLimit {
		if req.Price.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, fmt.Errorf("%w: limit order needs a positive price", ErrRejected)
		}
		return req.Price, nil
	}
	ltp, ok := p.ticks.LTP(ctx, req.Segment, req.SecurityID, true)
	if !ok || ltp <= 0 {
		return decimal.Zero, fmt.Errorf("market order %s:%s: %w", req.Segment, req.SecurityID, ErrNoPrice)
	}
	return decimal.NewFromFloat(ltp).Round(2), nil
}

func (p *Paper) persist(ctx context.Context, idempotencyKey string, order Order) {
	if err := PersistOrder(ctx, p.store, p.keys, "paper", p.sessionID, order); err != nil {
		p.log.Warn().Err(err).Str("order_id", order.ID).Msg("order persist failed")
	}
	if order.Status == StatusFilled {
		p.registry.Register(ctx, idempotencyKey, order)
	}
}
