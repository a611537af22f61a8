package candles

import (
	"math"

	"github.com/markcheno/go-talib"
)

// maskWarmup replaces the indicator's unstable leading period with NaN so
// every output slice is aligned index-for-index with the input and callers
// can distinguish "no value yet" from a real zero.
func maskWarmup(vals []float64, lookback int) []float64 {
	if lookback > len(vals) {
		lookback = len(vals)
	}
	for i := 0; i < lookback; i++ {
		vals[i] = math.NaN()
	}
	return vals
}

// hasValue reports whether an indicator slot holds a computed value.
func hasValue(v float64) bool { return !math.IsNaN(v) }

// lastValue returns the final slot of a series, or NaN when empty.
func lastValue(vals []float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	return vals[len(vals)-1]
}

// EMA returns the n-period exponential moving average of closes.
func (s *Series) EMA(n int) []float64 {
	if s.Len() < n || n <= 0 {
		return nanSlice(s.Len())
	}
	return maskWarmup(talib.Ema(s.Closes(), n), n-1)
}

// SMA returns the n-period simple moving average of closes.
func (s *Series) SMA(n int) []float64 {
	if s.Len() < n || n <= 0 {
		return nanSlice(s.Len())
	}
	return maskWarmup(talib.Sma(s.Closes(), n), n-1)
}

// RSI returns the n-period relative strength index of closes.
func (s *Series) RSI(n int) []float64 {
	if s.Len() < n+1 || n <= 0 {
		return nanSlice(s.Len())
	}
	return maskWarmup(talib.Rsi(s.Closes(), n), n)
}

// MACD returns the MACD line, signal line, and histogram.
func (s *Series) MACD(fast, slow, signal int) (macd, sig, hist []float64) {
	warm := slow + signal - 2
	if s.Len() <= warm || fast <= 0 || slow <= fast || signal <= 0 {
		n := nanSlice(s.Len())
		return n, append([]float64(nil), n...), append([]float64(nil), n...)
	}
	macd, sig, hist = talib.Macd(s.Closes(), fast, slow, signal)
	return maskWarmup(macd, warm), maskWarmup(sig, warm), maskWarmup(hist, warm)
}

// ATR returns the n-period Wilder-smoothed average true range.
func (s *Series) ATR(n int) []float64 {
	if s.Len() < n+1 || n <= 0 {
		return nanSlice(s.Len())
	}
	return maskWarmup(talib.Atr(s.Highs(), s.Lows(), s.Closes(), n), n)
}

// ADX returns the n-period average directional index.
func (s *Series) ADX(n int) []float64 {
	warm := 2*n - 1
	if s.Len() <= warm || n <= 0 {
		return nanSlice(s.Len())
	}
	return maskWarmup(talib.Adx(s.Highs(), s.Lows(), s.Closes(), n), warm)
}

// Bollinger returns the upper, middle, and lower Bollinger bands with a
// 2-sigma width.
func (s *Series) Bollinger(n int) (upper, middle, lower []float64) {
	if s.Len() < n || n <= 0 {
		blank := nanSlice(s.Len())
		return blank, append([]float64(nil), blank...), append([]float64(nil), blank...)
	}
	upper, middle, lower = talib.BBands(s.Closes(), n, 2, 2, talib.SMA)
	return maskWarmup(upper, n-1), maskWarmup(middle, n-1), maskWarmup(lower, n-1)
}

// Donchian returns the n-period highest-high and lowest-low channels.
func (s *Series) Donchian(n int) (upper, lower []float64) {
	if s.Len() < n || n <= 0 {
		blank := nanSlice(s.Len())
		return blank, append([]float64(nil), blank...)
	}
	return maskWarmup(talib.Max(s.Highs(), n), n-1), maskWarmup(talib.Min(s.Lows(), n), n-1)
}

// RateOfChange returns the n-period percentage rate of change of closes.
func (s *Series) RateOfChange(n int) []float64 {
	if s.Len() <= n || n <= 0 {
		return nanSlice(s.Len())
	}
	return maskWarmup(talib.Roc(s.Closes(), n), n)
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
