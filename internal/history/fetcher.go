// Package history pulls intraday OHLC data from the broker's charts API on a
// staggered per-symbol schedule, throttled by a token bucket, and caches the
// normalized bars in the key-value store.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/quantrail/scalpd/internal/candles"
	"github.com/quantrail/scalpd/internal/kv"
	"github.com/quantrail/scalpd/internal/market"
	"github.com/quantrail/scalpd/internal/retry"
)

var (
	// ErrRateLimited is returned when the upstream keeps answering 429 after
	// all backoff retries are spent.
	ErrRateLimited = errors.New("history: rate limited")
	// ErrBadPayload is returned when the response matches neither the
	// array-of-records nor the columnar shape.
	ErrBadPayload = errors.New("history: unrecognized payload shape")
)

const requestTimeout = 30 * time.Second

// Progressive backoff after a 429, then give up.
var backoffOn429 = []time.Duration{60 * time.Second, 90 * time.Second}

// Fetcher pulls intraday OHLC bars over REST. It implements
// candles.OHLCSource.
type Fetcher struct {
	http    *resty.Client
	bucket  *TokenBucket
	store   kv.Store
	keys    kv.Keys
	backoff retry.Policy
	log     zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a fetcher against the given charts API base URL.
// ratePerMinute bounds outbound requests.
func NewFetcher(baseURL, accessToken string, ratePerMinute int, store kv.Store, keys kv.Keys, logger zerolog.Logger) *Fetcher {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("access-token", accessToken)

	f := &Fetcher{
		http:   client,
		bucket: NewTokenBucket(ratePerMinute),
		store:  store,
		keys:   keys,
		log:    logger.With().Str("component", "history").Logger(),
		sleep:  sleepCtx,
	}
	f.backoff = retry.Policy{
		MaxAttempts: 1 + len(backoffOn429),
		Backoff:     func(attempt int) time.Duration { return backoffOn429[attempt-1] },
		Sleep:       func(ctx context.Context, d time.Duration) error { return f.sleep(ctx, d) },
	}
	return f
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// FetchOHLC retrieves intraday bars for (segment, securityID) at the given
// interval in minutes. Responses are normalized, cached in the bar-history
// list, and returned time-ascending.
func (f *Fetcher) FetchOHLC(ctx context.Context, segment, securityID string, intervalMinutes int) ([]candles.Candle, error) {
	if err := f.bucket.Wait(ctx); err != nil {
		return nil, err
	}

	body := map[string]any{
		"exchangeSegment": segment,
		"securityId":      securityID,
		"interval":        fmt.Sprintf("%d", intervalMinutes),
	}

	var raw []byte
	throttled := func(err error) bool { return errors.Is(err, ErrRateLimited) }
	err := f.backoff.Do(ctx, func(ctx context.Context) error {
		resp, err := f.http.R().
			SetContext(ctx).
			SetBody(body).
			Post("/charts/intraday")
		if err != nil {
			return fmt.Errorf("fetch ohlc %s:%s: %w", segment, securityID, err)
		}
		if resp.StatusCode() == http.StatusTooManyRequests {
			f.log.Warn().
				Str("segment", segment).
				Str("security_id", securityID).
				Msg("upstream throttled, backing off")
			return fmt.Errorf("fetch ohlc %s:%s: %w", segment, securityID, ErrRateLimited)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("fetch ohlc %s:%s: status %d: %s", segment, securityID, resp.StatusCode(), resp.String())
		}
		raw = resp.Body()
		return nil
	}, throttled)
	if err != nil {
		return nil, err
	}

	bars, err := NormalizeBars(raw)
	if err != nil {
		return nil, fmt.Errorf("fetch ohlc %s:%s: %w", segment, securityID, err)
	}
	f.cacheBars(ctx, segment, securityID, intervalMinutes, bars)
	return bars, nil
}

// cacheBars pushes the freshest bars onto the bounded history list. Cache
// failures are logged, never surfaced: the caller already has the data.
func (f *Fetcher) cacheBars(ctx context.Context, segment, securityID string, intervalMinutes int, bars []candles.Candle) {
	if len(bars) == 0 {
		return
	}
	key := f.keys.Bars(segment, securityID, intervalMinutes)
	encoded := make([]string, 0, len(bars))
	for _, bar := range bars {
		buf, err := json.Marshal(bar)
		if err != nil {
			continue
		}
		encoded = append(encoded, string(buf))
	}
	if err := f.store.LPush(ctx, key, encoded...); err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("bar cache write failed")
		return
	}
	if err := f.store.LTrim(ctx, key, 0, kv.MaxBarHistory-1); err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("bar cache trim failed")
	}
	_ = f.store.Expire(ctx, key, kv.BarsTTL)
}

// CachedBars reads previously cached bars for an instrument, time-ascending.
func (f *Fetcher) CachedBars(ctx context.Context, segment, securityID string, intervalMinutes int) ([]candles.Candle, error) {
	rows, err := f.store.LRange(ctx, f.keys.Bars(segment, securityID, intervalMinutes), 0, kv.MaxBarHistory-1)
	if err != nil {
		return nil, err
	}
	out := make([]candles.Candle, 0, len(rows))
	for _, row := range rows {
		var bar candles.Candle
		if err := json.Unmarshal([]byte(row), &bar); err != nil {
			continue
		}
		out = append(out, bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// FetchLTP satisfies market.FallbackFetcher: the latest one-minute close
// stands in for a quote when no live tick has arrived yet. Cached bars are
// preferred; the API is hit only on a cache miss.
func (f *Fetcher) FetchLTP(ctx context.Context, segment, securityID string) (market.Tick, error) {
	bars, err := f.CachedBars(ctx, segment, securityID, 1)
	if err != nil || len(bars) == 0 {
		bars, err = f.FetchOHLC(ctx, segment, securityID, 1)
		if err != nil {
			return market.Tick{}, err
		}
	}
	if len(bars) == 0 {
		return market.Tick{}, fmt.Errorf("quote %s:%s: %w", segment, securityID, candles.ErrNoData)
	}
	last := bars[len(bars)-1]
	return market.Tick{
		Segment:    segment,
		SecurityID: securityID,
		LTP:        last.Close,
		Timestamp:  last.Timestamp,
	}, nil
}

// record is one bar in the array-of-records response shape. Numeric fields
// arrive as JSON numbers or quoted strings depending on the endpoint.
type record struct {
	Timestamp flexFloat `json:"timestamp"`
	StartTime flexFloat `json:"start_Time"`
	Open      flexFloat `json:"open"`
	High      flexFloat `json:"high"`
	Low       flexFloat `json:"low"`
	Close     flexFloat `json:"close"`
	Volume    flexFloat `json:"volume"`
}

// columnar is the column-per-field response shape.
type columnar struct {
	Timestamp []flexFloat `json:"timestamp"`
	StartTime []flexFloat `json:"start_Time"`
	Open      []flexFloat `json:"open"`
	High      []flexFloat `json:"high"`
	Low       []flexFloat `json:"low"`
	Close     []flexFloat `json:"close"`
	Volume    []flexFloat `json:"volume"`
}

// flexFloat decodes a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		num = json.Number(s)
	}
	v, err := num.Float64()
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// NormalizeBars converts either response shape into candles, time-ascending.
func NormalizeBars(raw json.RawMessage) ([]candles.Candle, error) {
	if len(raw) == 0 {
		return nil, ErrBadPayload
	}

	var records []record
	if err := json.Unmarshal(raw, &records); err == nil {
		out := make([]candles.Candle, 0, len(records))
		for _, r := range records {
			out = append(out, r.candle())
		}
		sortBars(out)
		return out, nil
	}

	var cols columnar
	if err := json.Unmarshal(raw, &cols); err != nil {
		return nil, ErrBadPayload
	}
	n := len(cols.Open)
	if n == 0 || len(cols.High) != n || len(cols.Low) != n || len(cols.Close) != n {
		return nil, ErrBadPayload
	}
	ts := cols.Timestamp
	if len(ts) != n {
		ts = cols.StartTime
	}
	out := make([]candles.Candle, n)
	for i := 0; i < n; i++ {
		var epoch float64
		if len(ts) == n {
			epoch = float64(ts[i])
		}
		var vol int64
		if len(cols.Volume) == n {
			vol = int64(cols.Volume[i])
		}
		out[i] = candles.Candle{
			Timestamp: time.Unix(int64(epoch), 0).UTC(),
			Open:      float64(cols.Open[i]),
			High:      float64(cols.High[i]),
			Low:       float64(cols.Low[i]),
			Close:     float64(cols.Close[i]),
			Volume:    vol,
		}
	}
	sortBars(out)
	return out, nil
}

func (r record) candle() candles.Candle {
	epoch := float64(r.Timestamp)
	if epoch == 0 {
		epoch = float64(r.StartTime)
	}
	return candles.Candle{
		Timestamp: time.Unix(int64(epoch), 0).UTC(),
		Open:      float64(r.Open),
		High:      float64(r.High),
		Low:       float64(r.Low),
		Close:     float64(r.Close),
		Volume:    int64(r.Volume),
	}
}

func sortBars(bars []candles.Candle) {
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
}
