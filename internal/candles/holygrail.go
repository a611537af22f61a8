package candles

import "math"

// Bias is the directional lean of the trend filter.
type Bias string

// Momentum is the short-term thrust reading.
type Momentum string

// OptionsSignal is the tradeable conclusion of the composite.
type OptionsSignal string

// Composite outcomes.
const (
	BiasBullish Bias = "bullish"
	BiasBearish Bias = "bearish"
	BiasNeutral Bias = "neutral"

	MomentumUp   Momentum = "up"
	MomentumDown Momentum = "down"
	MomentumFlat Momentum = "flat"

	SignalNone      OptionsSignal = "none"
	SignalBuyCE     OptionsSignal = "buy_ce"
	SignalBuyCEWeak OptionsSignal = "buy_ce_weak"
	SignalBuyPE     OptionsSignal = "buy_pe"
	SignalBuyPEWeak OptionsSignal = "buy_pe_weak"
)

// Composite parameter defaults.
const (
	hgFastSMA    = 50
	hgSlowEMA    = 200
	hgRSIPeriod  = 14
	hgATRPeriod  = 14
	hgADXPeriod  = 14
	hgMACDFast   = 12
	hgMACDSlow   = 26
	hgMACDSignal = 9

	// Signal strength weights and cutoffs.
	strongSignalCutoff = 0.6
	weakSignalCutoff   = 0.4
)

// HolyGrailResult aggregates trend bias, momentum, and strength into one
// options-buying signal for a single timeframe.
type HolyGrailResult struct {
	Bias           Bias
	Momentum       Momentum
	ADX            float64
	RSI14          float64
	ATR14          float64
	MACD           float64
	MACDSignal     float64
	MACDHist       float64
	SMA50          float64
	EMA200         float64
	Proceed        bool
	OptionsSignal  OptionsSignal
	SignalStrength float64
	ADXThreshold   float64
}

// ADXThresholdFor maps a bar interval to the minimum ADX required before the
// composite will proceed: fast bars are noisier so they get a lower bar.
func ADXThresholdFor(intervalMinutes int) float64 {
	switch {
	case intervalMinutes <= 1:
		return 10
	case intervalMinutes <= 5:
		return 15
	default:
		return 20
	}
}

// HolyGrail evaluates the composite on the series' latest bar. Bias comes
// from SMA(50) vs EMA(200); momentum from MACD vs its signal line confirmed
// by RSI around 50; Proceed requires ADX at or above the interval threshold
// plus bias-aligned momentum.
func (s *Series) HolyGrail() HolyGrailResult {
	res := HolyGrailResult{
		Bias:          BiasNeutral,
		Momentum:      MomentumFlat,
		OptionsSignal: SignalNone,
		ADXThreshold:  ADXThresholdFor(s.Interval),
		ADX:           math.NaN(),
		RSI14:         math.NaN(),
		ATR14:         math.NaN(),
		MACD:          math.NaN(),
		MACDSignal:    math.NaN(),
		MACDHist:      math.NaN(),
		SMA50:         math.NaN(),
		EMA200:        math.NaN(),
	}
	if s.Len() == 0 {
		return res
	}

	res.SMA50 = lastValue(s.SMA(hgFastSMA))
	res.EMA200 = lastValue(s.EMA(hgSlowEMA))
	res.RSI14 = lastValue(s.RSI(hgRSIPeriod))
	res.ATR14 = lastValue(s.ATR(hgATRPeriod))
	res.ADX = lastValue(s.ADX(hgADXPeriod))
	macd, sig, hist := s.MACD(hgMACDFast, hgMACDSlow, hgMACDSignal)
	res.MACD, res.MACDSignal, res.MACDHist = lastValue(macd), lastValue(sig), lastValue(hist)

	if hasValue(res.SMA50) && hasValue(res.EMA200) {
		switch {
		case res.SMA50 > res.EMA200:
			res.Bias = BiasBullish
		case res.SMA50 < res.EMA200:
			res.Bias = BiasBearish
		}
	}

	if hasValue(res.MACD) && hasValue(res.MACDSignal) && hasValue(res.RSI14) {
		switch {
		case res.MACD > res.MACDSignal && res.RSI14 > 50:
			res.Momentum = MomentumUp
		case res.MACD < res.MACDSignal && res.RSI14 < 50:
			res.Momentum = MomentumDown
		}
	}

	aligned := (res.Bias == BiasBullish && res.Momentum == MomentumUp) ||
		(res.Bias == BiasBearish && res.Momentum == MomentumDown)
	res.Proceed = hasValue(res.ADX) && res.ADX >= res.ADXThreshold && aligned

	res.SignalStrength = s.signalStrength(res)
	res.OptionsSignal = classifySignal(res)
	return res
}

// signalStrength is the weighted confluence score in [0,1]:
// 0.3·min(adx/50,1) + 0.2·rsi alignment + 0.3·macd alignment + 0.2·momentum
// alignment, where each alignment term is 1 when the reading confirms the
// bias direction and 0 otherwise.
func (s *Series) signalStrength(res HolyGrailResult) float64 {
	if res.Bias == BiasNeutral {
		return 0
	}
	bullish := res.Bias == BiasBullish

	var strength float64
	if hasValue(res.ADX) {
		strength += 0.3 * math.Min(res.ADX/50, 1)
	}
	if hasValue(res.RSI14) {
		if (bullish && res.RSI14 > 50) || (!bullish && res.RSI14 < 50) {
			strength += 0.2
		}
	}
	if hasValue(res.MACD) && hasValue(res.MACDSignal) {
		if (bullish && res.MACD > res.MACDSignal) || (!bullish && res.MACD < res.MACDSignal) {
			strength += 0.3
		}
	}
	if (bullish && res.Momentum == MomentumUp) || (!bullish && res.Momentum == MomentumDown) {
		strength += 0.2
	}
	return strength
}

func classifySignal(res HolyGrailResult) OptionsSignal {
	if !res.Proceed {
		return SignalNone
	}
	switch {
	case res.Bias == BiasBullish && res.SignalStrength >= strongSignalCutoff:
		return SignalBuyCE
	case res.Bias == BiasBullish && res.SignalStrength >= weakSignalCutoff:
		return SignalBuyCEWeak
	case res.Bias == BiasBearish && res.SignalStrength >= strongSignalCutoff:
		return SignalBuyPE
	case res.Bias == BiasBearish && res.SignalStrength >= weakSignalCutoff:
		return SignalBuyPEWeak
	default:
		return SignalNone
	}
}

// Direction reduces an options signal to its side: +1 CE, -1 PE, 0 none.
func (sig OptionsSignal) Direction() int {
	switch sig {
	case SignalBuyCE, SignalBuyCEWeak:
		return 1
	case SignalBuyPE, SignalBuyPEWeak:
		return -1
	default:
		return 0
	}
}
