// Package signal decides, per underlying, whether to buy a call, buy a put,
// or stand aside. The primary read is the Holy Grail composite on two
// timeframes; when the strict read disagrees, a fixed chain of weaker
// confirmations gets a chance before the engine gives up.
package signal

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/quantrail/scalpd/internal/candles"
)

// Decision is the engine's answer for one underlying.
type Decision string

// Decisions.
const (
	None   Decision = "none"
	LongCE Decision = "long_ce"
	LongPE Decision = "long_pe"
)

const (
	supertrendPeriod     = 7
	supertrendMultiplier = 3
	fallbackEMAPeriod    = 20
	fallbackRSIPeriod    = 14
)

// Engine evaluates entry signals over one or two timeframes.
type Engine struct {
	loader    *candles.Loader
	secondary int
	useMulti  bool
	log       zerolog.Logger
}

// NewEngine creates an engine. secondaryInterval is in minutes and only used
// when useMultiTimeframe is set.
func NewEngine(loader *candles.Loader, secondaryInterval int, useMultiTimeframe bool, logger zerolog.Logger) *Engine {
	return &Engine{
		loader:    loader,
		secondary: secondaryInterval,
		useMulti:  useMultiTimeframe,
		log:       logger.With().Str("component", "signal").Logger(),
	}
}

// Evaluate loads the series for one underlying and returns its decision.
func (e *Engine) Evaluate(ctx context.Context, symbol, segment, securityID string) (Decision, error) {
	primary, err := e.loader.Load(ctx, symbol, segment, securityID, 1)
	if err != nil {
		return None, fmt.Errorf("signal %s: %w", symbol, err)
	}
	if !e.useMulti {
		return e.decide(symbol, primary, primary), nil
	}

	secondary, err := e.loader.Load(ctx, symbol, segment, securityID, e.secondary)
	if err != nil {
		return None, fmt.Errorf("signal %s: %w", symbol, err)
	}
	return e.decide(symbol, primary, secondary), nil
}

// decide runs the strict both-timeframes read, then the fallback chain in
// fixed order. The first non-none answer wins.
func (e *Engine) decide(symbol string, primary, secondary *candles.Series) Decision {
	hg1 := primary.HolyGrail()
	hg2 := secondary.HolyGrail()

	if bullishStrict(hg1) && bullishStrict(hg2) {
		e.logDecision(symbol, LongCE, "holy_grail", hg1, hg2)
		return LongCE
	}
	if bearishStrict(hg1) && bearishStrict(hg2) {
		e.logDecision(symbol, LongPE, "holy_grail", hg1, hg2)
		return LongPE
	}

	if d := combinedSignalAgreement(hg1, hg2); d != None {
		e.logDecision(symbol, d, "combined_signal", hg1, hg2)
		return d
	}
	if d := supertrendAgreement(primary, secondary); d != None {
		e.logDecision(symbol, d, "supertrend", hg1, hg2)
		return d
	}
	if d := emaRSIAgreement(primary, secondary); d != None {
		e.logDecision(symbol, d, "ema_rsi", hg1, hg2)
		return d
	}
	return None
}

func bullishStrict(hg candles.HolyGrailResult) bool {
	return hg.Bias == candles.BiasBullish && hg.Momentum == candles.MomentumUp && hg.Proceed
}

func bearishStrict(hg candles.HolyGrailResult) bool {
	return hg.Bias == candles.BiasBearish && hg.Momentum == candles.MomentumDown && hg.Proceed
}

// combinedSignalAgreement accepts when both timeframes' options signals
// point the same way, weak or strong.
func combinedSignalAgreement(hg1, hg2 candles.HolyGrailResult) Decision {
	d1, d2 := hg1.OptionsSignal.Direction(), hg2.OptionsSignal.Direction()
	switch {
	case d1 > 0 && d2 > 0:
		return LongCE
	case d1 < 0 && d2 < 0:
		return LongPE
	default:
		return None
	}
}

// supertrendAgreement accepts when both timeframes trend the same way. Only
// directions entered through an actual band break count; the indicator's
// seed direction on a series that never flipped is not trend evidence.
func supertrendAgreement(primary, secondary *candles.Series) Decision {
	d1 := confirmedDirection(primary.Supertrend(supertrendPeriod, supertrendMultiplier))
	d2 := confirmedDirection(secondary.Supertrend(supertrendPeriod, supertrendMultiplier))
	switch {
	case d1 == candles.TrendUp && d2 == candles.TrendUp:
		return LongCE
	case d1 == candles.TrendDown && d2 == candles.TrendDown:
		return LongPE
	default:
		return None
	}
}

func confirmedDirection(res candles.SupertrendResult) candles.TrendDirection {
	last := res.LastDirection()
	if last == 0 {
		return 0
	}
	for _, dir := range res.Direction {
		if dir != 0 && dir != last {
			return last
		}
	}
	return 0
}

// emaRSIAgreement is the simplest confirmation: close vs EMA(20) plus RSI
// around 50, agreeing on both timeframes.
func emaRSIAgreement(primary, secondary *candles.Series) Decision {
	d1 := emaRSIRead(primary)
	d2 := emaRSIRead(secondary)
	if d1 != None && d1 == d2 {
		return d1
	}
	return None
}

func emaRSIRead(s *candles.Series) Decision {
	last, ok := s.Last()
	if !ok {
		return None
	}
	ema := s.EMA(fallbackEMAPeriod)
	rsi := s.RSI(fallbackRSIPeriod)
	if len(ema) == 0 || len(rsi) == 0 {
		return None
	}
	e, r := ema[len(ema)-1], rsi[len(rsi)-1]
	if math.IsNaN(e) || math.IsNaN(r) {
		return None
	}
	switch {
	case last.Close > e && r > 50:
		return LongCE
	case last.Close < e && r < 50:
		return LongPE
	default:
		return None
	}
}

func (e *Engine) logDecision(symbol string, d Decision, source string, hg1, hg2 candles.HolyGrailResult) {
	e.log.Info().
		Str("symbol", symbol).
		Str("decision", string(d)).
		Str("source", source).
		Str("bias_1m", string(hg1.Bias)).
		Str("bias_secondary", string(hg2.Bias)).
		Float64("strength_1m", hg1.SignalStrength).
		Msg("entry signal")
}
