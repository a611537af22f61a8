// Package picker maps an underlying's spot price and a trade direction to a
// concrete CE or PE instrument: the at-the-money strike plus one step either
// side, at the nearest weekly expiry.
package picker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantrail/scalpd/internal/market"
)

// ErrNoInstrument is returned when the instrument master has no row for a
// requested (strike, option type, expiry) tuple.
var ErrNoInstrument = errors.New("picker: no matching instrument")

// SymbolConfig is the per-underlying slice of configuration the picker needs.
type SymbolConfig struct {
	Name        string
	StrikeStep  float64
	ExpiryWday  time.Weekday
	OptSegment  string
}

// Selection is the resolved strike ladder for one underlying and expiry.
type Selection struct {
	Underlying string
	Expiry     time.Time
	Strikes    []float64
	CE         map[float64]market.Instrument
	PE         map[float64]market.Instrument
}

// ATM returns the middle strike of the ladder.
func (s Selection) ATM() float64 { return s.Strikes[1] }

// Picker resolves tradable option instruments.
type Picker struct {
	master market.InstrumentMaster
	log    zerolog.Logger
	now    func() time.Time
}

// NewPicker creates a picker over the given instrument master.
func NewPicker(master market.InstrumentMaster, logger zerolog.Logger) *Picker {
	return &Picker{
		master: master,
		log:    logger.With().Str("component", "picker").Logger(),
		now:    time.Now,
	}
}

// SetClock injects a clock for tests.
func (p *Picker) SetClock(now func() time.Time) { p.now = now }

// ATMStrike rounds spot to the nearest multiple of step.
func ATMStrike(spot, step float64) float64 {
	if step <= 0 {
		return spot
	}
	return math.Round(spot/step) * step
}

// Pick resolves the ATM +/- one step ladder for the underlying at the
// nearest weekly expiry. Both option sides are resolved for every strike so
// the caller can take either direction without a second resolution pass.
func (p *Picker) Pick(ctx context.Context, cfg SymbolConfig, spot float64) (Selection, error) {
	if spot <= 0 {
		return Selection{}, fmt.Errorf("picker %s: spot must be positive, got %v", cfg.Name, spot)
	}

	expiry, err := p.nearestExpiry(ctx, cfg)
	if err != nil {
		return Selection{}, err
	}

	atm := ATMStrike(spot, cfg.StrikeStep)
	strikes := []float64{atm - cfg.StrikeStep, atm, atm + cfg.StrikeStep}

	sel := Selection{
		Underlying: cfg.Name,
		Expiry:     expiry,
		Strikes:    strikes,
		CE:         make(map[float64]market.Instrument, len(strikes)),
		PE:         make(map[float64]market.Instrument, len(strikes)),
	}
	for _, strike := range strikes {
		ce, err := p.master.Lookup(ctx, cfg.Name, strike, market.OptionCall, expiry)
		if err != nil {
			return Selection{}, fmt.Errorf("%w: %s %v CE %s", ErrNoInstrument, cfg.Name, strike, expiry.Format("2006-01-02"))
		}
		pe, err := p.master.Lookup(ctx, cfg.Name, strike, market.OptionPut, expiry)
		if err != nil {
			return Selection{}, fmt.Errorf("%w: %s %v PE %s", ErrNoInstrument, cfg.Name, strike, expiry.Format("2006-01-02"))
		}
		sel.CE[strike] = ce
		sel.PE[strike] = pe
	}

	p.log.Debug().
		Str("symbol", cfg.Name).
		Float64("spot", spot).
		Float64("atm", atm).
		Str("expiry", expiry.Format("2006-01-02")).
		Msg("strike ladder resolved")
	return sel, nil
}

// Instrument returns the CE or PE row at a strike from a selection.
func (s Selection) Instrument(strike float64, side market.OptionType) (market.Instrument, error) {
	var inst market.Instrument
	var ok bool
	switch side {
	case market.OptionCall:
		inst, ok = s.CE[strike]
	case market.OptionPut:
		inst, ok = s.PE[strike]
	}
	if !ok {
		return market.Instrument{}, fmt.Errorf("%w: %s %v %s", ErrNoInstrument, s.Underlying, strike, side)
	}
	return inst, nil
}

// nearestExpiry prefers the master's expiry list; when the master has none,
// it falls back to the next occurrence of the configured expiry weekday.
func (p *Picker) nearestExpiry(ctx context.Context, cfg SymbolConfig) (time.Time, error) {
	now := p.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	expiries, err := p.master.Expiries(ctx, cfg.Name)
	if err != nil {
		return time.Time{}, fmt.Errorf("picker %s: expiries: %w", cfg.Name, err)
	}
	for _, expiry := range expiries {
		if !expiry.Before(today) {
			return expiry, nil
		}
	}

	// Weekday heuristic: next cfg.ExpiryWday, counting today as a valid
	// expiry day.
	days := (int(cfg.ExpiryWday) - int(today.Weekday()) + 7) % 7
	return today.AddDate(0, 0, days), nil
}
