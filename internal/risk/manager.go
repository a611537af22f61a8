// Package risk runs the unified risk loop: a single worker that marks every
// open position to market each tick and fires exits for take-profit,
// stop-loss, time-stop, and trailing-stop, with a session-wide daily loss cap
// that overrides everything else.
package risk

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantrail/scalpd/internal/broker"
	"github.com/quantrail/scalpd/internal/market"
	"github.com/quantrail/scalpd/internal/positions"
)

// Exit reasons, in evaluation order.
const (
	ReasonTakeProfit   = "TAKE_PROFIT"
	ReasonStopLoss     = "STOP_LOSS"
	ReasonTimeStop     = "TIME_STOP"
	ReasonTrailingStop = "TRAILING_STOP"
	ReasonDailyLossCap = "DAILY_LOSS_CAP"
	ReasonShutdown     = "SHUTDOWN"
)

const shutdownJoinTimeout = 2 * time.Second

// Params are the risk thresholds from configuration. Percentages are
// fractions, e.g. 0.05 for 5%.
type Params struct {
	Interval       time.Duration
	TakeProfitPct  decimal.Decimal
	StopLossPct    decimal.Decimal
	TrailPct       decimal.Decimal
	TimeStop       time.Duration
	MaxDailyLoss   decimal.Decimal
	Cooldown       time.Duration
	EnableTimeStop bool
	EnableTrailing bool
	EnableDailyCap bool
	EnableCooldown bool
}

// Manager is the risk worker.
type Manager struct {
	params  Params
	tracker *positions.Tracker
	orders  broker.Broker
	ticks   *market.TickCache
	equity  func() decimal.Decimal
	log     zerolog.Logger
	now     func() time.Time

	mu           sync.Mutex
	startEquity  decimal.Decimal
	lastLossTime time.Time
	pendingExits map[pendingKey]struct{}
	inFlight     map[string]pendingKey
	capTripped   bool

	stop chan struct{}
	done chan struct{}
}

type pendingKey struct {
	segment    string
	securityID string
}

// NewManager wires the risk loop. equity must return current session equity,
// including unrealized PnL.
func NewManager(params Params, tracker *positions.Tracker, orders broker.Broker, ticks *market.TickCache, equity func() decimal.Decimal, logger zerolog.Logger) *Manager {
	if params.Interval <= 0 {
		params.Interval = time.Second
	}
	return &Manager{
		params:       params,
		tracker:      tracker,
		orders:       orders,
		ticks:        ticks,
		equity:       equity,
		log:          logger.With().Str("component", "risk").Logger(),
		now:          time.Now,
		pendingExits: make(map[pendingKey]struct{}),
		inFlight:     make(map[string]pendingKey),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// SetClock injects a clock for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Start captures the session start equity and launches the loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.startEquity = m.equity()
	m.mu.Unlock()
	m.log.Info().Str("start_equity", m.startEquity.String()).Msg("risk loop starting")

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.params.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
}

// Stop requests shutdown and joins the worker with a bounded wait.
func (m *Manager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	select {
	case <-m.done:
	case <-time.After(shutdownJoinTimeout):
		m.log.Warn().Msg("risk loop did not stop within the join timeout")
	}
}

// CooldownActive reports whether the post-loss trading pause is in effect.
// The decision cycle consults it before new entries.
func (m *Manager) CooldownActive() bool {
	if !m.params.EnableCooldown {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.lastLossTime.IsZero() && m.now().Sub(m.lastLossTime) < m.params.Cooldown
}

// DailyDrawdown returns the current session drawdown.
func (m *Manager) DailyDrawdown() decimal.Decimal {
	m.mu.Lock()
	start := m.startEquity
	m.mu.Unlock()
	return start.Sub(m.equity())
}

// Tick is one pass of the risk loop. Exported so tests drive it directly.
func (m *Manager) Tick(ctx context.Context) {
	// Daily loss cap has the highest priority: when it trips, close the
	// book and skip per-position evaluation this pass.
	if m.params.EnableDailyCap {
		drawdown := m.DailyDrawdown()
		if drawdown.GreaterThan(m.params.MaxDailyLoss) {
			m.mu.Lock()
			first := !m.capTripped
			m.capTripped = true
			m.mu.Unlock()
			if first {
				m.log.Error().
					Str("drawdown", drawdown.String()).
					Str("cap", m.params.MaxDailyLoss.String()).
					Msg("daily loss cap tripped, closing all positions")
			}
			m.CloseAll(ctx, ReasonDailyLossCap)
			return
		}
	}

	if m.CooldownActive() {
		return
	}

	for _, pos := range m.tracker.OpenPositions() {
		m.evaluate(ctx, pos)
	}
}

// evaluate marks one position to market and fires at most one exit.
func (m *Manager) evaluate(ctx context.Context, pos positions.Position) {
	ltp, ok := m.ticks.LTP(ctx, pos.Segment, pos.SecurityID, false)
	if !ok || ltp <= 0 {
		return
	}
	price := decimal.NewFromFloat(ltp).Round(2)

	m.tracker.UpdateCurrentPrice(ctx, pos.Segment, pos.SecurityID, pos.Side, price)
	if price.GreaterThan(pos.HighWaterMark) {
		pos.HighWaterMark = price
	}

	if reason := m.exitReason(pos, price); reason != "" {
		m.executeExit(ctx, pos, reason)
	}
}

// exitReason applies the exit rules in fixed order and returns the first
// match, or empty.
func (m *Manager) exitReason(pos positions.Position, price decimal.Decimal) string {
	if pos.BuyAvg.LessThanOrEqual(decimal.Zero) {
		return ""
	}
	change := price.Sub(pos.BuyAvg).Div(pos.BuyAvg)

	if change.GreaterThanOrEqual(m.params.TakeProfitPct) {
		return ReasonTakeProfit
	}
	if change.Neg().GreaterThanOrEqual(m.params.StopLossPct) {
		return ReasonStopLoss
	}
	if m.params.EnableTimeStop && !pos.EntryTime.IsZero() &&
		m.now().Sub(pos.EntryTime) >= m.params.TimeStop {
		return ReasonTimeStop
	}
	if m.params.EnableTrailing && pos.HighWaterMark.GreaterThan(pos.BuyAvg) {
		floor := pos.HighWaterMark.Mul(decimal.NewFromInt(1).Sub(m.params.TrailPct))
		if price.LessThan(floor) {
			return ReasonTrailingStop
		}
	}
	return ""
}

// executeExit places the SELL for one position with an idempotency key. The
// pending-exit set holds at most one in-flight exit per (segment, security
// id): the guard is released on failure or synchronous fill, and for an order
// accepted as PENDING only when the order monitor reports a terminal state.
func (m *Manager) executeExit(ctx context.Context, pos positions.Position, reason string) {
	key := pendingKey{segment: pos.Segment, securityID: pos.SecurityID}

	m.mu.Lock()
	if _, inFlight := m.pendingExits[key]; inFlight {
		m.mu.Unlock()
		return
	}
	m.pendingExits[key] = struct{}{}
	m.mu.Unlock()

	idempotencyKey := fmt.Sprintf("risk_exit_%s_%s_%d_%06d",
		pos.SecurityID, reason, m.now().Unix(), rand.Intn(1_000_000))

	m.log.Info().
		Str("security_id", pos.SecurityID).
		Str("reason", reason).
		Int("quantity", pos.Quantity).
		Msg("exit triggered")

	order, err := m.orders.PlaceOrder(ctx, broker.OrderRequest{
		Segment:        pos.Segment,
		SecurityID:     pos.SecurityID,
		Side:           broker.SideSell,
		Quantity:       pos.Quantity,
		Type:           broker.TypeMarket,
		IdempotencyKey: idempotencyKey,
		Tag:            reason,
	})
	if err != nil {
		// A rejected exit releases its guard and is retried on the next
		// loop pass.
		m.release(key)
		m.log.Warn().Err(err).
			Str("security_id", pos.SecurityID).
			Str("reason", reason).
			Msg("exit order failed")
		return
	}

	switch order.Status {
	case broker.StatusPending:
		// Accepted upstream but not yet terminal. The position stays in
		// the open book, so the guard must hold until OnOrderResolved.
		m.mu.Lock()
		m.inFlight[order.ID] = key
		m.mu.Unlock()
		m.log.Info().
			Str("order_id", order.ID).
			Str("security_id", pos.SecurityID).
			Msg("exit pending upstream")
	case broker.StatusFilled:
		m.release(key)
		m.armCooldownOnLoss(pos.SecurityID)
	default:
		m.release(key)
	}
}

func (m *Manager) release(key pendingKey) {
	m.mu.Lock()
	delete(m.pendingExits, key)
	m.mu.Unlock()
}

// armCooldownOnLoss starts the post-loss pause when the just-closed position
// realized a loss.
func (m *Manager) armCooldownOnLoss(securityID string) {
	closed, ok := m.tracker.LastClosed()
	if !ok || closed.SecurityID != securityID || !closed.PnL.IsNegative() {
		return
	}
	m.mu.Lock()
	m.lastLossTime = m.now()
	m.mu.Unlock()
	m.log.Info().
		Str("pnl", closed.PnL.String()).
		Msg("realized loss, cooldown armed")
}

// OnOrderResolved is the order monitor's terminal callback. It releases the
// pending-exit guard held for the order and arms the cooldown when an
// asynchronously filled exit realized a loss. Orders the risk loop did not
// place are ignored.
func (m *Manager) OnOrderResolved(_ context.Context, order broker.Order) {
	m.mu.Lock()
	key, tracked := m.inFlight[order.ID]
	if tracked {
		delete(m.inFlight, order.ID)
		delete(m.pendingExits, key)
	}
	m.mu.Unlock()
	if !tracked {
		return
	}
	if order.Side == broker.SideSell && order.Status == broker.StatusFilled {
		m.armCooldownOnLoss(order.SecurityID)
	}
}

// CloseAll exits every open position with the given reason.
func (m *Manager) CloseAll(ctx context.Context, reason string) {
	for _, pos := range m.tracker.OpenPositions() {
		m.executeExit(ctx, pos, reason)
	}
}
