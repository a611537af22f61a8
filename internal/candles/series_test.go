package candles

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minuteCandles(start time.Time, ohlcv ...[5]float64) []Candle {
	out := make([]Candle, len(ohlcv))
	for i, row := range ohlcv {
		out[i] = Candle{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      row[0],
			High:      row[1],
			Low:       row[2],
			Close:     row[3],
			Volume:    int64(row[4]),
		}
	}
	return out
}

func TestResample_OneBucket(t *testing.T) {
	start := time.Date(2026, 8, 26, 9, 15, 0, 0, time.UTC)
	series := NewSeries("NIFTY", 1, minuteCandles(start,
		[5]float64{10, 10.5, 9.8, 10, 100},
		[5]float64{10, 11.2, 9.9, 11, 110},
		[5]float64{11, 12.1, 10.9, 12, 120},
		[5]float64{12, 13.4, 11.8, 13, 130},
		[5]float64{13, 14.0, 12.7, 14, 140},
	))

	resampled, err := series.ResampleTo(5)
	require.NoError(t, err)
	require.Equal(t, 1, resampled.Len())

	bar := resampled.At(0)
	assert.Equal(t, 10.0, bar.Open, "first contributing open")
	assert.Equal(t, 14.0, bar.High, "max high")
	assert.Equal(t, 9.8, bar.Low, "min low")
	assert.Equal(t, 14.0, bar.Close, "last close")
	assert.Equal(t, int64(600), bar.Volume, "summed volume")
	assert.Equal(t, start, bar.Timestamp, "bucket start floored to 5 minutes")
}

func TestResample_BucketBoundaries(t *testing.T) {
	// 09:18..09:24 crosses a 5-minute boundary at 09:20.
	start := time.Date(2026, 8, 26, 9, 18, 0, 0, time.UTC)
	rows := make([][5]float64, 7)
	for i := range rows {
		c := float64(100 + i)
		rows[i] = [5]float64{c, c + 1, c - 1, c, 10}
	}
	series := NewSeries("NIFTY", 1, minuteCandles(start, rows...))

	resampled, err := series.ResampleTo(5)
	require.NoError(t, err)
	require.Equal(t, 2, resampled.Len())

	first, second := resampled.At(0), resampled.At(1)
	assert.Equal(t, time.Date(2026, 8, 26, 9, 15, 0, 0, time.UTC), first.Timestamp)
	assert.Equal(t, time.Date(2026, 8, 26, 9, 20, 0, 0, time.UTC), second.Timestamp)
	assert.Equal(t, 100.0, first.Open)
	assert.Equal(t, 101.0, first.Close)
	assert.Equal(t, int64(20), first.Volume)
	assert.Equal(t, 102.0, second.Open)
	assert.Equal(t, 106.0, second.Close)
	assert.Equal(t, int64(50), second.Volume)
}

func TestResample_RejectsNonMultiple(t *testing.T) {
	series := NewSeries("NIFTY", 5, nil)
	_, err := series.ResampleTo(7)
	assert.Error(t, err)

	_, err = series.ResampleTo(0)
	assert.Error(t, err)
}

func TestIndicators_WarmupIsNaN(t *testing.T) {
	start := time.Date(2026, 8, 26, 9, 15, 0, 0, time.UTC)
	rows := make([][5]float64, 40)
	for i := range rows {
		c := 100 + float64(i)
		rows[i] = [5]float64{c, c + 1, c - 1, c, 10}
	}
	series := NewSeries("NIFTY", 1, minuteCandles(start, rows...))

	ema := series.EMA(10)
	require.Len(t, ema, series.Len(), "aligned index-for-index")
	assert.True(t, math.IsNaN(ema[8]), "before sufficient history")
	assert.False(t, math.IsNaN(ema[9]))
	assert.False(t, math.IsNaN(ema[39]))

	rsi := series.RSI(14)
	assert.True(t, math.IsNaN(rsi[13]))
	assert.False(t, math.IsNaN(rsi[14]))
	assert.InDelta(t, 100.0, rsi[39], 1e-9, "monotonic gains drive RSI to 100")

	atr := series.ATR(14)
	assert.True(t, math.IsNaN(atr[13]))
	assert.False(t, math.IsNaN(atr[14]))

	upper, middle, lower := series.Bollinger(20)
	assert.True(t, math.IsNaN(middle[18]))
	assert.False(t, math.IsNaN(middle[19]))
	assert.Greater(t, upper[39], lower[39])

	du, dl := series.Donchian(20)
	assert.Equal(t, series.At(39).High, du[39], "highest high over the window")
	assert.Equal(t, series.At(20).Low, dl[39], "lowest low over the window")

	roc := series.RateOfChange(10)
	assert.True(t, math.IsNaN(roc[9]))
	assert.Greater(t, roc[39], 0.0)
}

func TestIndicators_ShortSeriesAllNaN(t *testing.T) {
	series := NewSeries("NIFTY", 1, minuteCandles(time.Now(),
		[5]float64{100, 101, 99, 100, 10},
		[5]float64{100, 102, 99, 101, 10},
	))

	for _, v := range series.EMA(10) {
		assert.True(t, math.IsNaN(v))
	}
	macd, sig, hist := series.MACD(12, 26, 9)
	assert.True(t, math.IsNaN(lastValue(macd)))
	assert.True(t, math.IsNaN(lastValue(sig)))
	assert.True(t, math.IsNaN(lastValue(hist)))
}

func TestSupertrend_FlipsWithTrend(t *testing.T) {
	start := time.Date(2026, 8, 26, 9, 15, 0, 0, time.UTC)
	rows := make([][5]float64, 0, 40)
	// Falling leg, then a sharp rising leg.
	for i := 0; i < 20; i++ {
		c := 200 - 2*float64(i)
		rows = append(rows, [5]float64{c, c + 1, c - 1, c, 10})
	}
	for i := 0; i < 20; i++ {
		c := 162 + 4*float64(i)
		rows = append(rows, [5]float64{c, c + 1, c - 1, c, 10})
	}
	series := NewSeries("NIFTY", 1, minuteCandles(start, rows...))

	st := series.Supertrend(7, 3)
	require.Len(t, st.Line, series.Len())
	require.Len(t, st.Direction, series.Len())

	assert.Equal(t, TrendDown, st.Direction[15], "falling leg reads down")
	assert.Equal(t, TrendUp, st.LastDirection(), "rising leg flips the trend")

	last := series.Len() - 1
	assert.Less(t, st.Line[last], series.At(last).Close, "line trails below price in an uptrend")
}

func TestSupertrend_InsufficientHistory(t *testing.T) {
	series := NewSeries("NIFTY", 1, minuteCandles(time.Now(),
		[5]float64{100, 101, 99, 100, 10},
	))
	st := series.Supertrend(10, 3)
	assert.Equal(t, TrendDirection(0), st.LastDirection())
}

type stubSource struct {
	candles  []Candle
	err      error
	requests []int
}

func (s *stubSource) FetchOHLC(_ context.Context, _, _ string, interval int) ([]Candle, error) {
	s.requests = append(s.requests, interval)
	return s.candles, s.err
}

func TestLoader_FiveMinuteFetchesOneMinuteAndResamples(t *testing.T) {
	start := time.Date(2026, 8, 26, 9, 15, 0, 0, time.UTC)
	rows := make([][5]float64, 10)
	for i := range rows {
		c := 100 + float64(i)
		rows[i] = [5]float64{c, c + 1, c - 1, c, 10}
	}
	src := &stubSource{candles: minuteCandles(start, rows...)}
	loader := NewLoader(src)

	series, err := loader.Load(context.Background(), "NIFTY", "IDX_I", "13", 5)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, src.requests, "5m loads are 1m fetches resampled locally")
	assert.Equal(t, 5, series.Interval)
	assert.Equal(t, 2, series.Len())
}

func TestLoader_EmptySourceIsError(t *testing.T) {
	loader := NewLoader(&stubSource{})
	_, err := loader.Load(context.Background(), "NIFTY", "IDX_I", "13", 1)
	assert.ErrorIs(t, err, ErrNoData)
}
