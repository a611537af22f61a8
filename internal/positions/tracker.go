// Package positions owns the open and closed position books. All mutations
// are serialised by one mutex; readers get value-copy snapshots. The tracker
// is the engine's fill handler: every filled order flows through ApplyFill,
// which keeps the books and the balance ledger in lockstep.
package positions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantrail/scalpd/internal/broker"
	"github.com/quantrail/scalpd/internal/kv"
	"github.com/quantrail/scalpd/internal/ledger"
)

// ErrOversell is returned when a SELL exceeds the open quantity.
var ErrOversell = errors.New("positions: sell exceeds open quantity")

// maxClosedKept bounds the in-memory closed list.
const maxClosedKept = 30

// SideLong is the only position side the engine takes: it buys options.
const SideLong = "LONG"

// Key identifies one position in the open book.
type Key struct {
	Segment    string
	SecurityID string
	Side       string
}

// Position is one holding. Money fields are fixed-point decimals.
// SoldQuantity and RealizedPnL accumulate across partial exits; when the
// position closes, Quantity is set to the total quantity sold and PnL to the
// accumulated realized PnL.
type Position struct {
	ID            string
	Segment       string
	SecurityID    string
	Side          string
	Quantity      int
	SoldQuantity  int
	RealizedPnL   decimal.Decimal
	BuyAvg        decimal.Decimal
	CurrentPrice  decimal.Decimal
	PnL           decimal.Decimal
	PnLPct        decimal.Decimal
	HighWaterMark decimal.Decimal
	EntryTime     time.Time
	ExitPrice     decimal.Decimal
	ExitReason    string
	ExitTime      time.Time
}

// Closed reports whether the position has been exited.
func (p Position) Closed() bool { return !p.ExitTime.IsZero() }

// Tracker is the position book.
type Tracker struct {
	mu     sync.Mutex
	open   map[Key]*Position
	closed []Position

	balance *ledger.Provider
	fee     decimal.Decimal
	store   kv.Store
	keys    kv.Keys
	log     zerolog.Logger
	now     func() time.Time
}

// NewTracker creates a tracker. fee is the brokerage charge per order leg,
// applied to the ledger on every fill.
func NewTracker(balance *ledger.Provider, fee decimal.Decimal, store kv.Store, keys kv.Keys, logger zerolog.Logger) *Tracker {
	return &Tracker{
		open:    make(map[Key]*Position),
		balance: balance,
		fee:     fee,
		store:   store,
		keys:    keys,
		log:     logger.With().Str("component", "positions").Logger(),
		now:     time.Now,
	}
}

var _ broker.FillHandler = (*Tracker)(nil)

// ApplyFill updates the books for one filled order. BUY fills open or grow a
// position and debit its cost; SELL fills shrink it and settle the release
// with the ledger. A SELL that zeroes the quantity closes the position,
// recording the order's tag as the exit reason.
func (t *Tracker) ApplyFill(ctx context.Context, order broker.Order) error {
	if order.Status != broker.StatusFilled {
		return fmt.Errorf("positions: cannot apply %s order %s", order.Status, order.ID)
	}
	if order.Quantity <= 0 {
		return fmt.Errorf("positions: order %s has no quantity", order.ID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := Key{Segment: order.Segment, SecurityID: order.SecurityID, Side: SideLong}
	switch order.Side {
	case broker.SideBuy:
		return t.applyBuyLocked(ctx, key, order)
	case broker.SideSell:
		return t.applySellLocked(ctx, key, order)
	default:
		return fmt.Errorf("positions: order %s has unknown side %q", order.ID, order.Side)
	}
}

func (t *Tracker) applyBuyLocked(ctx context.Context, key Key, order broker.Order) error {
	cost := order.AvgPrice.Mul(decimal.NewFromInt(int64(order.Quantity)))
	if err := t.balance.Debit(ctx, cost); err != nil {
		return err
	}
	if err := t.balance.ApplyFee(ctx, t.fee); err != nil {
		return err
	}

	pos, ok := t.open[key]
	if !ok {
		pos = &Position{
			ID:            uuid.NewString(),
			Segment:       key.Segment,
			SecurityID:    key.SecurityID,
			Side:          key.Side,
			Quantity:      order.Quantity,
			BuyAvg:        order.AvgPrice,
			CurrentPrice:  order.AvgPrice,
			HighWaterMark: order.AvgPrice,
			EntryTime:     order.PlacedAt,
		}
		t.open[key] = pos
	} else {
		oldQty := decimal.NewFromInt(int64(pos.Quantity))
		addQty := decimal.NewFromInt(int64(order.Quantity))
		pos.BuyAvg = pos.BuyAvg.Mul(oldQty).
			Add(order.AvgPrice.Mul(addQty)).
			Div(oldQty.Add(addQty)).
			Round(2)
		pos.Quantity += order.Quantity
	}

	t.persistLocked(ctx, pos)
	t.log.Info().
		Str("security_id", pos.SecurityID).
		Int("quantity", pos.Quantity).
		Str("buy_avg", pos.BuyAvg.String()).
		Msg("position opened or increased")
	return nil
}

func (t *Tracker) applySellLocked(ctx context.Context, key Key, order broker.Order) error {
	pos, ok := t.open[key]
	if !ok {
		return fmt.Errorf("%w: no open position for %s:%s", ErrOversell, key.Segment, key.SecurityID)
	}
	if order.Quantity > pos.Quantity {
		return fmt.Errorf("%w: selling %d of %d", ErrOversell, order.Quantity, pos.Quantity)
	}

	soldQty := decimal.NewFromInt(int64(order.Quantity))
	proceeds := order.AvgPrice.Mul(soldQty)
	costBasis := pos.BuyAvg.Mul(soldQty)
	if err := t.balance.CreditRelease(ctx, costBasis, proceeds); err != nil {
		return err
	}
	if err := t.balance.ApplyFee(ctx, t.fee); err != nil {
		return err
	}

	pos.RealizedPnL = pos.RealizedPnL.Add(order.AvgPrice.Sub(pos.BuyAvg).Mul(soldQty))
	pos.SoldQuantity += order.Quantity
	pos.Quantity -= order.Quantity
	if pos.Quantity > 0 {
		t.persistLocked(ctx, pos)
		return nil
	}

	pos.Quantity = pos.SoldQuantity
	pos.ExitPrice = order.AvgPrice
	pos.ExitReason = order.Tag
	pos.ExitTime = order.PlacedAt
	pos.CurrentPrice = order.AvgPrice
	pos.PnL = pos.RealizedPnL
	if pos.BuyAvg.GreaterThan(decimal.Zero) && pos.Quantity > 0 {
		costBasisAll := pos.BuyAvg.Mul(decimal.NewFromInt(int64(pos.Quantity)))
		pos.PnLPct = pos.RealizedPnL.Div(costBasisAll).Round(4)
	}

	delete(t.open, key)
	t.closed = append(t.closed, *pos)
	if len(t.closed) > maxClosedKept {
		t.closed = t.closed[len(t.closed)-maxClosedKept:]
	}
	t.persistClosedLocked(ctx, *pos)

	t.log.Info().
		Str("security_id", pos.SecurityID).
		Str("exit_reason", pos.ExitReason).
		Str("pnl", pos.PnL.String()).
		Msg("position closed")
	return nil
}

// UpdateCurrentPrice marks a position to market and advances its high-water
// mark. Unknown positions are ignored.
func (t *Tracker) UpdateCurrentPrice(ctx context.Context, segment, securityID, side string, price decimal.Decimal) {
	if price.LessThanOrEqual(decimal.Zero) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.open[Key{Segment: segment, SecurityID: securityID, Side: side}]
	if !ok {
		return
	}
	pos.CurrentPrice = price
	pos.PnL = price.Sub(pos.BuyAvg).Mul(decimal.NewFromInt(int64(pos.Quantity)))
	if pos.BuyAvg.GreaterThan(decimal.Zero) {
		pos.PnLPct = price.Sub(pos.BuyAvg).Div(pos.BuyAvg).Round(4)
	}
	if price.GreaterThan(pos.HighWaterMark) {
		pos.HighWaterMark = price
	}
	t.persistLocked(ctx, pos)
}

// OpenPositions returns a snapshot of the open book.
func (t *Tracker) OpenPositions() []Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Position, 0, len(t.open))
	for _, pos := range t.open {
		out = append(out, *pos)
	}
	return out
}

// ClosedPositions returns the bounded closed list, oldest first.
func (t *Tracker) ClosedPositions() []Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Position, len(t.closed))
	copy(out, t.closed)
	return out
}

// LastClosed returns the most recently closed position.
func (t *Tracker) LastClosed() (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.closed) == 0 {
		return Position{}, false
	}
	return t.closed[len(t.closed)-1], true
}

// TotalPnL is realized PnL of the closed list, realized PnL of partial exits
// on still-open positions, plus unrealized PnL of the open book.
func (t *Tracker) TotalPnL() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := decimal.Zero
	for _, pos := range t.closed {
		total = total.Add(pos.PnL)
	}
	for _, pos := range t.open {
		total = total.Add(pos.PnL).Add(pos.RealizedPnL)
	}
	return total
}

// Rehydrate reloads open positions from the store at startup.
func (t *Tracker) Rehydrate(ctx context.Context) error {
	ids, err := t.store.SMembers(ctx, t.keys.OpenPositions())
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		fields, err := t.store.HGetAll(ctx, t.keys.Position(id))
		if err != nil || len(fields) == 0 {
			t.log.Warn().Str("position_id", id).Msg("open set references missing position record")
			_ = t.store.SRem(ctx, t.keys.OpenPositions(), id)
			continue
		}
		pos, err := positionFromFields(fields)
		if err != nil {
			t.log.Warn().Err(err).Str("position_id", id).Msg("malformed position record")
			continue
		}
		t.open[Key{Segment: pos.Segment, SecurityID: pos.SecurityID, Side: pos.Side}] = &pos
	}
	if len(t.open) > 0 {
		t.log.Info().Int("count", len(t.open)).Msg("rehydrated open positions")
	}
	return nil
}

func (t *Tracker) persistLocked(ctx context.Context, pos *Position) {
	if err := t.store.HSet(ctx, t.keys.Position(pos.ID), pos.fields()); err != nil {
		t.log.Warn().Err(err).Str("position_id", pos.ID).Msg("position persist failed")
		return
	}
	if err := t.store.SAdd(ctx, t.keys.OpenPositions(), pos.ID); err != nil {
		t.log.Warn().Err(err).Str("position_id", pos.ID).Msg("open set update failed")
	}
}

func (t *Tracker) persistClosedLocked(ctx context.Context, pos Position) {
	if err := t.store.HSet(ctx, t.keys.Position(pos.ID), pos.fields()); err != nil {
		t.log.Warn().Err(err).Str("position_id", pos.ID).Msg("position persist failed")
	}
	if err := t.store.SRem(ctx, t.keys.OpenPositions(), pos.ID); err != nil {
		t.log.Warn().Err(err).Str("position_id", pos.ID).Msg("open set update failed")
	}
	if err := t.store.LPush(ctx, t.keys.ClosedPositions(), pos.ID); err != nil {
		t.log.Warn().Err(err).Str("position_id", pos.ID).Msg("closed list update failed")
		return
	}
	_ = t.store.LTrim(ctx, t.keys.ClosedPositions(), 0, maxClosedKept-1)
}

// LoadClosed reads the recently closed positions straight from the store,
// oldest first. It needs no running tracker, which is what the export CLI
// uses.
func LoadClosed(ctx context.Context, store kv.Store, keys kv.Keys) ([]Position, error) {
	ids, err := store.LRange(ctx, keys.ClosedPositions(), 0, maxClosedKept-1)
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(ids))
	for _, id := range ids {
		fields, err := store.HGetAll(ctx, keys.Position(id))
		if err != nil || len(fields) == 0 {
			continue
		}
		pos, err := positionFromFields(fields)
		if err != nil {
			continue
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExitTime.Before(out[j].ExitTime) })
	return out, nil
}

func (p Position) fields() map[string]string {
	return map[string]string{
		"id":            p.ID,
		"segment":       p.Segment,
		"security_id":   p.SecurityID,
		"side":          p.Side,
		"quantity":      strconv.Itoa(p.Quantity),
		"sold_quantity": strconv.Itoa(p.SoldQuantity),
		"realized_pnl":  p.RealizedPnL.String(),
		"buy_avg":       p.BuyAvg.String(),
		"current":       p.CurrentPrice.String(),
		"pnl":           p.PnL.String(),
		"pnl_pct":       p.PnLPct.String(),
		"high_water":    p.HighWaterMark.String(),
		"entry_time":    strconv.FormatInt(p.EntryTime.Unix(), 10),
		"exit_price":    p.ExitPrice.String(),
		"exit_reason":   p.ExitReason,
		"exit_time":     strconv.FormatInt(p.ExitTime.Unix(), 10),
	}
}

func positionFromFields(fields map[string]string) (Position, error) {
	pos := Position{
		ID:         fields["id"],
		Segment:    fields["segment"],
		SecurityID: fields["security_id"],
		Side:       fields["side"],
		ExitReason: fields["exit_reason"],
	}
	if pos.ID == "" || pos.Segment == "" || pos.SecurityID == "" {
		return Position{}, errors.New("positions: record missing identity fields")
	}

	var err error
	if pos.Quantity, err = strconv.Atoi(fields["quantity"]); err != nil {
		return Position{}, fmt.Errorf("positions: bad quantity: %w", err)
	}
	if sold, serr := strconv.Atoi(fields["sold_quantity"]); serr == nil {
		pos.SoldQuantity = sold
	}
	dec := func(name string) decimal.Decimal {
		v, derr := decimal.NewFromString(fields[name])
		if derr != nil {
			return decimal.Zero
		}
		return v
	}
	pos.RealizedPnL = dec("realized_pnl")
	pos.BuyAvg = dec("buy_avg")
	pos.CurrentPrice = dec("current")
	pos.PnL = dec("pnl")
	pos.PnLPct = dec("pnl_pct")
	pos.HighWaterMark = dec("high_water")
	pos.ExitPrice = dec("exit_price")
	if epoch, perr := strconv.ParseInt(fields["entry_time"], 10, 64); perr == nil {
		pos.EntryTime = time.Unix(epoch, 0).UTC()
	}
	if epoch, perr := strconv.ParseInt(fields["exit_time"], 10, 64); perr == nil && epoch > 0 {
		pos.ExitTime = time.Unix(epoch, 0).UTC()
	}
	return pos, nil
}
