package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quantrail/scalpd/internal/retry"
)

// feed reconnect bounds.
const (
	feedInitialBackoff = time.Second
	feedMaxBackoff     = 30 * time.Second
	feedPingInterval   = 20 * time.Second
)

// wireTick is the JSON shape of a tick frame on the broker stream. All
// numeric values arrive as strings; ParseTick coerces them once at the store
// boundary.
type wireTick struct {
	Segment    string `json:"segment"`
	SecurityID string `json:"security_id"`
	LTP        string `json:"ltp"`
	DayHigh    string `json:"day_high,omitempty"`
	DayLow     string `json:"day_low,omitempty"`
	ATP        string `json:"atp,omitempty"`
	Volume     string `json:"volume,omitempty"`
}

// TickSink receives every tick read from the stream. TickCache satisfies it.
type TickSink interface {
	Put(ctx context.Context, tick Tick) error
}

// Feed maintains the broker websocket tick stream: it connects, subscribes
// the security universe, keeps the connection alive, and writes every tick
// into the sink. Disconnects are retried with capped exponential backoff
// until the context is cancelled.
type Feed struct {
	url   string
	token string
	sink  TickSink
	log   zerolog.Logger

	mu   sync.Mutex
	sids []subscription
	conn *websocket.Conn
}

type subscription struct {
	Segment    string `json:"segment"`
	SecurityID string `json:"security_id"`
}

// NewFeed creates a tick feed for the given stream URL.
func NewFeed(url, token string, sink TickSink, log zerolog.Logger) *Feed {
	return &Feed{
		url:   url,
		token: token,
		sink:  sink,
		log:   log.With().Str("component", "feed").Logger(),
	}
}

// Subscribe registers instruments to be requested on every (re)connect. It
// may be called before or after Run; an active connection gets the
// subscription immediately.
func (f *Feed) Subscribe(segment string, securityIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sid := range securityIDs {
		f.sids = append(f.sids, subscription{Segment: segment, SecurityID: sid})
	}
	if f.conn == nil {
		return nil
	}
	return f.sendSubscribeLocked(f.sids)
}

// Run connects and pumps ticks until ctx is cancelled. It only returns a
// non-nil error when the context is done; transport failures reconnect.
func (f *Feed) Run(ctx context.Context) error {
	backoffFor := retry.ExponentialBackoff(feedInitialBackoff, feedMaxBackoff)
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.connect(ctx); err != nil {
			attempt++
			wait := backoffFor(attempt)
			f.log.Warn().Err(err).Dur("retry_in", wait).Msg("stream connect failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		attempt = 0

		err := f.pump(ctx)
		f.closeConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.log.Warn().Err(err).Msg("stream disconnected, reconnecting")
	}
}

// Close tears down the current connection, unblocking a concurrent pump.
func (f *Feed) Close() {
	f.closeConn()
}

func (f *Feed) connect(ctx context.Context) error {
	header := make(http.Header)
	if f.token != "" {
		header.Set("Authorization", "Bearer "+f.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, f.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}

	f.mu.Lock()
	f.conn = conn
	err = f.sendSubscribeLocked(f.sids)
	f.mu.Unlock()
	if err != nil {
		f.closeConn()
		return err
	}

	f.log.Info().Str("url", f.url).Int("instruments", len(f.sids)).Msg("tick stream connected")
	return nil
}

func (f *Feed) sendSubscribeLocked(subs []subscription) error {
	if len(subs) == 0 || f.conn == nil {
		return nil
	}
	msg := struct {
		Action      string         `json:"action"`
		Instruments []subscription `json:"instruments"`
	}{Action: "subscribe", Instruments: subs}
	if err := f.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// pump reads frames until the connection breaks. A ping ticker keeps the
// connection alive alongside the reader.
func (f *Feed) pump(ctx context.Context) error {
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.pingLoop(pingCtx)

	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("connection closed")
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handleFrame(ctx, data)
	}
}

func (f *Feed) handleFrame(ctx context.Context, data []byte) {
	var wire wireTick
	if err := json.Unmarshal(data, &wire); err != nil {
		f.log.Debug().Err(err).Msg("unparseable frame dropped")
		return
	}
	tick := Tick{
		Segment:    wire.Segment,
		SecurityID: wire.SecurityID,
		LTP:        parseFloat(wire.LTP),
		DayHigh:    parseFloat(wire.DayHigh),
		DayLow:     parseFloat(wire.DayLow),
		ATP:        parseFloat(wire.ATP),
		Volume:     parseInt(wire.Volume),
		Timestamp:  time.Now(),
	}
	// Frames without identity fields are dropped silently.
	if tick.Segment == "" || tick.SecurityID == "" {
		return
	}
	if err := f.sink.Put(ctx, tick); err != nil {
		f.log.Warn().Err(err).Str("sid", tick.SecurityID).Msg("tick write failed")
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			conn := f.conn
			if conn != nil {
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					f.log.Debug().Err(err).Msg("ping failed")
				}
			}
			f.mu.Unlock()
		}
	}
}

func (f *Feed) closeConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
}
