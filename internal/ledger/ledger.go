// Package ledger is the three-field balance provider: available capital,
// capital in use, and total equity. Every mutation happens under one mutex
// and re-checks the total = available + used invariant; a violation means the
// books are corrupt and the process must stop.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantrail/scalpd/internal/kv"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds available capital.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrBalanceCorruption is returned when the three fields stop balancing.
	// Callers treat it as fatal.
	ErrBalanceCorruption = errors.New("ledger: balance corruption")
)

// Snapshot is an immutable copy of the ledger at one instant.
type Snapshot struct {
	Available decimal.Decimal
	Used      decimal.Decimal
	Total     decimal.Decimal
	FeesPaid  decimal.Decimal
	UpdatedAt time.Time
}

// Provider owns the balance fields. It persists every transition to the
// session PnL hash so a restarted process resumes with the same books.
type Provider struct {
	mu        sync.Mutex
	available decimal.Decimal
	used      decimal.Decimal
	total     decimal.Decimal
	feesPaid  decimal.Decimal

	store kv.Store
	keys  kv.Keys
	log   zerolog.Logger
	now   func() time.Time
}

// NewProvider seeds a ledger with the starting balance fully available.
func NewProvider(starting decimal.Decimal, store kv.Store, keys kv.Keys, logger zerolog.Logger) *Provider {
	return &Provider{
		available: starting,
		used:      decimal.Zero,
		total:     starting,
		store:     store,
		keys:      keys,
		log:       logger.With().Str("component", "ledger").Logger(),
		now:       time.Now,
	}
}

// Restore overwrites the in-memory fields from the persisted session hash,
// if one exists. Missing state is not an error; a fresh session keeps the
// seeded balance.
func (p *Provider) Restore(ctx context.Context) error {
	fields, err := p.store.HGetAll(ctx, p.keys.SessionPnL())
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		return err
	}
	avail, okA := fields["balance_available"]
	used, okU := fields["balance_used"]
	total, okT := fields["balance_total"]
	if !okA || !okU || !okT {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available, err = decimal.NewFromString(avail); err != nil {
		return fmt.Errorf("restore balance: %w", err)
	}
	if p.used, err = decimal.NewFromString(used); err != nil {
		return fmt.Errorf("restore balance: %w", err)
	}
	if p.total, err = decimal.NewFromString(total); err != nil {
		return fmt.Errorf("restore balance: %w", err)
	}
	if fees, ok := fields["fees_paid"]; ok {
		if parsed, perr := decimal.NewFromString(fees); perr == nil {
			p.feesPaid = parsed
		}
	}
	return p.checkAndPersistLocked(ctx)
}

// Debit moves amount from available to used. Fails with
// ErrInsufficientFunds when available cannot cover it.
func (p *Provider) Debit(ctx context.Context, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("ledger: debit amount must be positive, got %s", amount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.available.LessThan(amount) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, amount, p.available)
	}
	p.available = p.available.Sub(amount)
	p.used = p.used.Add(amount)
	return p.checkAndPersistLocked(ctx)
}

// Credit releases amount from used back to available. Any excess over used
// is profit: it raises available and total, and used goes to zero.
func (p *Provider) Credit(ctx context.Context, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("ledger: credit amount must be positive, got %s", amount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount.GreaterThan(p.used) {
		profit := amount.Sub(p.used)
		p.available = p.available.Add(amount)
		p.total = p.total.Add(profit)
		p.used = decimal.Zero
	} else {
		p.used = p.used.Sub(amount)
		p.available = p.available.Add(amount)
	}
	return p.checkAndPersistLocked(ctx)
}

// CreditRelease settles a closed position: cost is what was debited at
// entry, proceeds is what the exit realized. Used drops by the cost,
// available gains the proceeds, and total moves by the realized PnL.
func (p *Provider) CreditRelease(ctx context.Context, cost, proceeds decimal.Decimal) error {
	if cost.LessThan(decimal.Zero) || proceeds.LessThan(decimal.Zero) {
		return fmt.Errorf("ledger: negative settle amounts cost=%s proceeds=%s", cost, proceeds)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	release := cost
	if release.GreaterThan(p.used) {
		release = p.used
	}
	p.used = p.used.Sub(release)
	p.available = p.available.Add(proceeds)
	p.total = p.total.Add(proceeds).Sub(release)
	return p.checkAndPersistLocked(ctx)
}

// ApplyFee charges a brokerage fee against available capital and equity. A
// fee the available balance cannot cover is rejected so available never goes
// negative.
func (p *Provider) ApplyFee(ctx context.Context, fee decimal.Decimal) error {
	if fee.LessThan(decimal.Zero) {
		return fmt.Errorf("ledger: fee must be non-negative, got %s", fee)
	}
	if fee.IsZero() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if fee.GreaterThan(p.available) {
		return fmt.Errorf("%w: fee %s exceeds available %s", ErrInsufficientFunds, fee, p.available)
	}
	p.available = p.available.Sub(fee)
	p.total = p.total.Sub(fee)
	p.feesPaid = p.feesPaid.Add(fee)
	return p.checkAndPersistLocked(ctx)
}

// Snapshot returns a consistent copy of the ledger.
func (p *Provider) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Available: p.available,
		Used:      p.used,
		Total:     p.total,
		FeesPaid:  p.feesPaid,
		UpdatedAt: p.now(),
	}
}

// checkAndPersistLocked verifies the invariant and writes the fields out.
// Persistence failures are logged, not returned: the in-memory books remain
// authoritative for the session.
func (p *Provider) checkAndPersistLocked(ctx context.Context) error {
	if !p.total.Equal(p.available.Add(p.used)) {
		return fmt.Errorf("%w: total=%s available=%s used=%s",
			ErrBalanceCorruption, p.total, p.available, p.used)
	}
	if p.store == nil {
		return nil
	}
	err := p.store.HSet(ctx, p.keys.SessionPnL(), map[string]string{
		"balance_available": p.available.String(),
		"balance_used":      p.used.String(),
		"balance_total":     p.total.String(),
		"fees_paid":         p.feesPaid.String(),
		"balance_updated":   fmt.Sprintf("%d", p.now().Unix()),
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("balance persist failed")
	}
	return nil
}
