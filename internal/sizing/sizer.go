// Package sizing turns available capital into an integer lot count for an
// option entry. All money math is fixed-point decimal.
package sizing

import (
	"github.com/shopspring/decimal"
)

// Params are the sizing knobs from configuration.
type Params struct {
	AllocationPct   decimal.Decimal // fraction of available balance per trade
	SlippageBuffer  decimal.Decimal // fraction shaved off the allocation
	MaxLotsPerTrade int
	MinPremium      decimal.Decimal // premiums below this are not traded
}

// Sizer computes lot counts from the balance and the quoted premium.
type Sizer struct {
	params Params
}

// NewSizer creates a sizer with the given parameters.
func NewSizer(params Params) *Sizer {
	return &Sizer{params: params}
}

// Lots returns how many lots to buy given the available balance, the option
// premium per unit, and the instrument lot size.
//
//	lots = floor(available · alloc · (1 − slippage) / (premium · lotSize))
//
// clamped to [1, MaxLotsPerTrade]. Returns 0 when the premium is below the
// minimum, non-positive, or the lot size is invalid.
func (s *Sizer) Lots(available, premium decimal.Decimal, lotSize int) int {
	if lotSize <= 0 || premium.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	if premium.LessThan(s.params.MinPremium) {
		return 0
	}

	budget := available.
		Mul(s.params.AllocationPct).
		Mul(decimal.NewFromInt(1).Sub(s.params.SlippageBuffer))
	perLot := premium.Mul(decimal.NewFromInt(int64(lotSize)))
	if perLot.LessThanOrEqual(decimal.Zero) {
		return 0
	}

	lots := int(budget.Div(perLot).IntPart())
	if lots < 1 {
		lots = 1
	}
	if s.params.MaxLotsPerTrade > 0 && lots > s.params.MaxLotsPerTrade {
		lots = s.params.MaxLotsPerTrade
	}
	return lots
}

// Quantity returns the order quantity in units for the given inputs.
func (s *Sizer) Quantity(available, premium decimal.Decimal, lotSize int) int {
	return s.Lots(available, premium, lotSize) * lotSize
}
