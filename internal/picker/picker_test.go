package picker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/scalpd/internal/market"
)

func seedMaster(t *testing.T, expiry time.Time, strikes ...float64) *market.StaticMaster {
	t.Helper()
	master := market.NewStaticMaster()
	for i, strike := range strikes {
		for _, side := range []market.OptionType{market.OptionCall, market.OptionPut} {
			master.Add(market.Instrument{
				SecurityID:      fmt.Sprintf("%d%s", 49000+i, side),
				Underlying:      "NIFTY",
				Segment:         market.SegmentNSEFNO,
				InstrumentType:  market.TypeIndexOption,
				Strike:          strike,
				OptionType:      side,
				Expiry:          expiry,
				LotSize:         75,
				ExchangeSegment: market.SegmentNSEFNO,
			})
		}
	}
	return master
}

func niftyConfig() SymbolConfig {
	return SymbolConfig{
		Name:       "NIFTY",
		StrikeStep: 50,
		ExpiryWday: time.Thursday,
		OptSegment: market.SegmentNSEFNO,
	}
}

func TestATMStrike(t *testing.T) {
	assert.Equal(t, 24600.0, ATMStrike(24612.35, 50))
	assert.Equal(t, 24650.0, ATMStrike(24630.00, 50))
	assert.Equal(t, 24650.0, ATMStrike(24625.00, 50), "halfway rounds away from zero")
	assert.Equal(t, 81200.0, ATMStrike(81234.5, 100))
	assert.Equal(t, 123.4, ATMStrike(123.4, 0), "degenerate step passes spot through")
}

func TestPick_ResolvesLadder(t *testing.T) {
	expiry := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	picker := NewPicker(seedMaster(t, expiry, 24550, 24600, 24650), zerolog.Nop())
	picker.SetClock(func() time.Time { return time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC) })

	sel, err := picker.Pick(context.Background(), niftyConfig(), 24612.35)
	require.NoError(t, err)

	assert.Equal(t, []float64{24550, 24600, 24650}, sel.Strikes)
	assert.Equal(t, 24600.0, sel.ATM())
	assert.True(t, sel.Expiry.Equal(expiry))
	require.Len(t, sel.CE, 3)
	require.Len(t, sel.PE, 3)

	ce, err := sel.Instrument(24600, market.OptionCall)
	require.NoError(t, err)
	assert.Equal(t, market.OptionCall, ce.OptionType)
	assert.Equal(t, 75, ce.LotSize)

	_, err = sel.Instrument(99999, market.OptionPut)
	assert.ErrorIs(t, err, ErrNoInstrument)
}

func TestPick_MasterExpiryListIsAuthoritative(t *testing.T) {
	// The master says Friday even though the configured weekday is
	// Thursday; the master wins.
	expiry := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	picker := NewPicker(seedMaster(t, expiry, 24550, 24600, 24650), zerolog.Nop())
	picker.SetClock(func() time.Time { return time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC) })

	sel, err := picker.Pick(context.Background(), niftyConfig(), 24600)
	require.NoError(t, err)
	assert.Equal(t, time.Friday, sel.Expiry.Weekday())
}

func TestPick_MissingStrikeFails(t *testing.T) {
	expiry := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	// Only the ATM strike exists; the ladder needs its neighbors too.
	picker := NewPicker(seedMaster(t, expiry, 24600), zerolog.Nop())
	picker.SetClock(func() time.Time { return time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC) })

	_, err := picker.Pick(context.Background(), niftyConfig(), 24612.35)
	assert.ErrorIs(t, err, ErrNoInstrument)
}

func TestPick_RejectsBadSpot(t *testing.T) {
	picker := NewPicker(market.NewStaticMaster(), zerolog.Nop())
	_, err := picker.Pick(context.Background(), niftyConfig(), 0)
	assert.Error(t, err)
}

func TestNearestExpiry_WeekdayFallback(t *testing.T) {
	picker := NewPicker(market.NewStaticMaster(), zerolog.Nop())
	// Wednesday 2026-08-26; next Thursday is the 27th.
	picker.SetClock(func() time.Time { return time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC) })

	expiry, err := picker.nearestExpiry(context.Background(), niftyConfig())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), expiry)

	// On the expiry day itself, today still counts.
	picker.SetClock(func() time.Time { return time.Date(2026, 8, 27, 9, 30, 0, 0, time.UTC) })
	expiry, err = picker.nearestExpiry(context.Background(), niftyConfig())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), expiry)
}
