// Package candles provides the OHLCV candle series, interval resampling, and
// the indicator surface the signal engine is built on: moving averages,
// oscillators, Supertrend, and the Holy Grail composite.
//
// Indicator outputs are float64 slices aligned index-for-index with the input
// series; positions before sufficient history hold NaN.
package candles

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNoData is returned when a source yields an empty series.
var ErrNoData = errors.New("candles: no data")

// Candle is one OHLCV bar. Invariants: High >= max(Open, Close) and
// Low <= min(Open, Close).
type Candle struct {
	Timestamp time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Series is an ordered sequence of candles tagged with its symbol and bar
// interval in minutes.
type Series struct {
	Symbol   string
	Interval int
	Candles  []Candle
}

// NewSeries creates a series; candles are assumed time-ascending.
func NewSeries(symbol string, intervalMinutes int, candles []Candle) *Series {
	return &Series{Symbol: symbol, Interval: intervalMinutes, Candles: candles}
}

// Len returns the number of candles.
func (s *Series) Len() int { return len(s.Candles) }

// At returns the candle at index i.
func (s *Series) At(i int) Candle { return s.Candles[i] }

// Last returns the most recent candle, or false for an empty series.
func (s *Series) Last() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// Opens returns the open column.
func (s *Series) Opens() []float64 { return s.column(func(c Candle) float64 { return c.Open }) }

// Highs returns the high column.
func (s *Series) Highs() []float64 { return s.column(func(c Candle) float64 { return c.High }) }

// Lows returns the low column.
func (s *Series) Lows() []float64 { return s.column(func(c Candle) float64 { return c.Low }) }

// Closes returns the close column.
func (s *Series) Closes() []float64 { return s.column(func(c Candle) float64 { return c.Close }) }

// Volumes returns the volume column as floats.
func (s *Series) Volumes() []float64 {
	return s.column(func(c Candle) float64 { return float64(c.Volume) })
}

func (s *Series) column(get func(Candle) float64) []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = get(c)
	}
	return out
}

// ResampleTo aggregates the series into a coarser interval. m must be a
// positive integer multiple of the current interval. Buckets are keyed by
// floor(ts / (m minutes)); each output candle takes the first open, max high,
// min low, last close, and summed volume of its bucket.
func (s *Series) ResampleTo(m int) (*Series, error) {
	if s.Interval <= 0 {
		return nil, fmt.Errorf("candles: series has no interval")
	}
	if m <= 0 || m%s.Interval != 0 {
		return nil, fmt.Errorf("candles: cannot resample %dm to %dm: target must be a positive multiple", s.Interval, m)
	}
	if m == s.Interval {
		out := make([]Candle, len(s.Candles))
		copy(out, s.Candles)
		return NewSeries(s.Symbol, m, out), nil
	}

	bucketSec := int64(m) * 60
	var out []Candle
	var cur Candle
	var curBucket int64
	open := false

	for _, c := range s.Candles {
		bucket := c.Timestamp.Unix() / bucketSec
		if !open || bucket != curBucket {
			if open {
				out = append(out, cur)
			}
			cur = Candle{
				Timestamp: time.Unix(bucket*bucketSec, 0).UTC(),
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
			}
			curBucket = bucket
			open = true
			continue
		}
		cur.High = math.Max(cur.High, c.High)
		cur.Low = math.Min(cur.Low, c.Low)
		cur.Close = c.Close
		cur.Volume += c.Volume
	}
	if open {
		out = append(out, cur)
	}
	return NewSeries(s.Symbol, m, out), nil
}

// OHLCSource supplies raw candles for an instrument at a given interval.
// The historical fetcher implements it.
type OHLCSource interface {
	FetchOHLC(ctx context.Context, segment, securityID string, intervalMinutes int) ([]Candle, error)
}

// Loader builds series from an OHLC source. Five-minute series are fetched as
// one-minute data and resampled locally so both timeframes stay consistent.
type Loader struct {
	source OHLCSource
}

// NewLoader creates a loader over the given source.
func NewLoader(source OHLCSource) *Loader {
	return &Loader{source: source}
}

// Load fetches and assembles a series for (segment, securityID) at the
// requested interval.
func (l *Loader) Load(ctx context.Context, symbol, segment, securityID string, intervalMinutes int) (*Series, error) {
	fetchInterval := intervalMinutes
	if intervalMinutes == 5 {
		fetchInterval = 1
	}
	raw, err := l.source.FetchOHLC(ctx, segment, securityID, fetchInterval)
	if err != nil {
		return nil, fmt.Errorf("load %s %dm: %w", symbol, intervalMinutes, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("load %s %dm: %w", symbol, intervalMinutes, ErrNoData)
	}
	series := NewSeries(symbol, fetchInterval, raw)
	if fetchInterval != intervalMinutes {
		return series.ResampleTo(intervalMinutes)
	}
	return series, nil
}
