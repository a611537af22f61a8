package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Monitor drives PENDING live orders to a terminal state. It polls the
// upstream once a second per order and applies fills exactly once.
type Monitor struct {
	live     *Live
	fills    FillHandler
	terminal func(ctx context.Context, order Order)
	log      zerolog.Logger
	pending  chan Order
}

func newMonitor(live *Live, fills FillHandler, log zerolog.Logger) *Monitor {
	return &Monitor{
		live:    live,
		fills:   fills,
		log:     log.With().Str("component", "order_monitor").Logger(),
		pending: make(chan Order, 64),
	}
}

// Track queues an order for status polling.
func (m *Monitor) Track(order Order) {
	select {
	case m.pending <- order:
	default:
		m.log.Error().Str("order_id", order.ID).Msg("monitor queue full, order not tracked")
	}
}

// OnTerminal registers a callback invoked once polling finishes for an order,
// whether it filled, was rejected, or was abandoned at the poll deadline.
// The risk manager uses it to release its per-position exit guard. Must be
// set before Run.
func (m *Monitor) OnTerminal(fn func(ctx context.Context, order Order)) {
	m.terminal = fn
}

func (m *Monitor) notify(ctx context.Context, order Order) {
	if m.terminal != nil {
		m.terminal(ctx, order)
	}
}

// Run polls tracked orders until ctx is cancelled. Orders are resolved
// sequentially; the engine never has more than a handful in flight.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case order := <-m.pending:
			m.resolve(ctx, order)
		}
	}
}

// resolve polls one order until it is FILLED, REJECTED, or the deadline
// passes. An order still pending at the deadline is left for the next
// process start to reconcile.
func (m *Monitor) resolve(ctx context.Context, order Order) {
	deadline := time.NewTimer(pollDeadline)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			m.log.Warn().Str("order_id", order.ID).Msg("order still pending at poll deadline")
			m.notify(ctx, order)
			return
		case <-tick.C:
			status, err := m.live.fetchStatus(ctx, order.ID)
			if err != nil {
				m.log.Warn().Err(err).Str("order_id", order.ID).Msg("status poll failed")
				continue
			}
			switch mapStatus(status.Status) {
			case StatusFilled:
				if price, perr := decimal.NewFromString(status.AvgPrice); perr == nil && price.GreaterThan(decimal.Zero) {
					order.AvgPrice = price
				}
				order.Status = StatusFilled
				m.finalize(ctx, order)
				if err := m.fills.ApplyFill(ctx, order); err != nil {
					m.log.Error().Err(err).Str("order_id", order.ID).Msg("fill apply failed")
				}
				m.notify(ctx, order)
				return
			case StatusRejected:
				order.Status = StatusRejected
				order.Reason = status.Message
				m.finalize(ctx, order)
				m.log.Warn().
					Str("order_id", order.ID).
					Str("reason", order.Reason).
					Msg("order rejected upstream")
				m.notify(ctx, order)
				return
			}
		}
	}
}

func (m *Monitor) finalize(ctx context.Context, order Order) {
	if err := PersistOrder(ctx, m.live.store, m.live.keys, "live", m.live.sessionID, order); err != nil {
		m.log.Warn().Err(err).Str("order_id", order.ID).Msg("order persist failed")
	}
}
