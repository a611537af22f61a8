// Package market holds the live market-data surface of the engine: the tick
// model with its wire coercion layer, the hot tick cache, the instrument
// master contract, and the websocket tick feed.
package market

import (
	"errors"
	"strconv"
	"time"
)

// ErrStaleTick is returned when a tick exists but is older than the caller's
// freshness bound. Consumers recover locally by skipping the tick.
var ErrStaleTick = errors.New("market: tick is stale")

// DefaultMaxTickAge is the staleness bound applied when a caller passes no
// explicit max age.
const DefaultMaxTickAge = 30 * time.Second

// Tick is one last-trade update for an instrument. LTP is always >= 0; the
// optional day fields are zero when the feed did not supply them.
type Tick struct {
	Segment    string
	SecurityID string
	LTP        float64
	Timestamp  time.Time
	DayHigh    float64
	DayLow     float64
	ATP        float64
	Volume     int64
}

// Valid reports whether the tick carries the mandatory identity fields.
// Ticks missing segment or security id are dropped silently upstream.
func (t Tick) Valid() bool {
	return t.Segment != "" && t.SecurityID != "" && t.LTP >= 0
}

// Age returns how old the tick is relative to now.
func (t Tick) Age(now time.Time) time.Duration {
	return now.Sub(t.Timestamp)
}

// Fields serializes the tick into the KV hash representation. All values are
// strings; numeric typing is re-established by ParseTick on the way out.
func (t Tick) Fields() map[string]string {
	f := map[string]string{
		"segment": t.Segment,
		"sid":     t.SecurityID,
		"ltp":     strconv.FormatFloat(t.LTP, 'f', -1, 64),
		"ts":      strconv.FormatInt(t.Timestamp.UnixMilli(), 10),
	}
	if t.DayHigh != 0 {
		f["day_high"] = strconv.FormatFloat(t.DayHigh, 'f', -1, 64)
	}
	if t.DayLow != 0 {
		f["day_low"] = strconv.FormatFloat(t.DayLow, 'f', -1, 64)
	}
	if t.ATP != 0 {
		f["atp"] = strconv.FormatFloat(t.ATP, 'f', -1, 64)
	}
	if t.Volume != 0 {
		f["volume"] = strconv.FormatInt(t.Volume, 10)
	}
	return f
}

// ParseTick is the single coercion layer at the KV boundary. Wire values
// arrive as strings; fields that fail numeric coercion are left at their zero
// value while the raw hash keeps the original string untouched.
func ParseTick(fields map[string]string) Tick {
	t := Tick{
		Segment:    fields["segment"],
		SecurityID: fields["sid"],
		LTP:        parseFloat(fields["ltp"]),
		DayHigh:    parseFloat(fields["day_high"]),
		DayLow:     parseFloat(fields["day_low"]),
		ATP:        parseFloat(fields["atp"]),
		Volume:     parseInt(fields["volume"]),
	}
	if ms := parseInt(fields["ts"]); ms > 0 {
		t.Timestamp = time.UnixMilli(ms)
	}
	return t
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
