// Package report maintains the session PnL record: the live pnl:session
// hash, archived per-session reports, the process heartbeat, and CSV export
// of closed trades.
package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantrail/scalpd/internal/kv"
	"github.com/quantrail/scalpd/internal/ledger"
	"github.com/quantrail/scalpd/internal/positions"
)

// ErrNoReport is returned when a requested session report does not exist.
var ErrNoReport = errors.New("report: no such session")

// Session is the PnL summary of one trading session.
// TotalPnL = RealizedPnL + UnrealizedPnL - Fees.
type Session struct {
	SessionID     string
	StartTime     time.Time
	StartEquity   decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Fees          decimal.Decimal
	TotalPnL      decimal.Decimal
}

// Status is what the status CLI shows.
type Status struct {
	LastHeartbeat time.Time
	Drawdown      decimal.Decimal
	Session       Session
}

// Reporter computes and persists session summaries.
type Reporter struct {
	store       kv.Store
	keys        kv.Keys
	tracker     *positions.Tracker
	balance     *ledger.Provider
	sessionID   string
	startTime   time.Time
	startEquity decimal.Decimal
	log         zerolog.Logger
	now         func() time.Time
}

// NewReporter creates a reporter for the running session.
func NewReporter(store kv.Store, keys kv.Keys, tracker *positions.Tracker, balance *ledger.Provider, sessionID string, startEquity decimal.Decimal, logger zerolog.Logger) *Reporter {
	return &Reporter{
		store:       store,
		keys:        keys,
		tracker:     tracker,
		balance:     balance,
		sessionID:   sessionID,
		startTime:   time.Now().UTC(),
		startEquity: startEquity,
		log:         logger.With().Str("component", "report").Logger(),
		now:         time.Now,
	}
}

// Heartbeat records the process as alive. The hash expires on its own, so a
// dead process stops reporting within five minutes.
func (r *Reporter) Heartbeat(ctx context.Context) error {
	key := r.keys.Heartbeat()
	err := r.store.HSet(ctx, key, map[string]string{
		strconv.Itoa(os.Getpid()): strconv.FormatInt(r.now().Unix(), 10),
	})
	if err != nil {
		return err
	}
	return r.store.Expire(ctx, key, kv.HeartbeatTTL)
}

// Session computes the current session summary from the books.
func (r *Reporter) Session() Session {
	realized := decimal.Zero
	for _, pos := range r.tracker.ClosedPositions() {
		realized = realized.Add(pos.PnL)
	}
	unrealized := decimal.Zero
	for _, pos := range r.tracker.OpenPositions() {
		unrealized = unrealized.Add(pos.PnL)
		// Partial exits realize PnL before the position closes.
		realized = realized.Add(pos.RealizedPnL)
	}
	fees := r.balance.Snapshot().FeesPaid

	return Session{
		SessionID:     r.sessionID,
		StartTime:     r.startTime,
		StartEquity:   r.startEquity,
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		Fees:          fees,
		TotalPnL:      realized.Add(unrealized).Sub(fees),
	}
}

// Snapshot persists the session summary to the live hash and the per-session
// archive, and logs the one-line status the operator watches.
func (r *Reporter) Snapshot(ctx context.Context) (Session, error) {
	session := r.Session()
	fields := session.fields()

	if err := r.store.HSet(ctx, r.keys.SessionPnL(), fields); err != nil {
		return session, fmt.Errorf("report: session persist: %w", err)
	}
	if err := r.store.HSet(ctx, r.keys.Report(session.SessionID), fields); err != nil {
		return session, fmt.Errorf("report: archive persist: %w", err)
	}

	r.log.Info().
		Str("session", session.SessionID).
		Str("realized", session.RealizedPnL.String()).
		Str("unrealized", session.UnrealizedPnL.String()).
		Str("fees", session.Fees.String()).
		Str("total", session.TotalPnL.String()).
		Int("open_positions", len(r.tracker.OpenPositions())).
		Msg("session status")
	return session, nil
}

// ReadStatus builds the status view from persisted state. It works without a
// running engine, which is what the status CLI needs.
func ReadStatus(ctx context.Context, store kv.Store, keys kv.Keys) (Status, error) {
	var status Status

	hb, err := store.HGetAll(ctx, keys.Heartbeat())
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return status, err
	}
	for _, raw := range hb {
		if epoch, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			at := time.Unix(epoch, 0).UTC()
			if at.After(status.LastHeartbeat) {
				status.LastHeartbeat = at
			}
		}
	}

	fields, err := store.HGetAll(ctx, keys.SessionPnL())
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return status, err
	}
	status.Session = sessionFromFields(fields)
	status.Drawdown = status.Session.TotalPnL.Neg()
	if status.Drawdown.IsNegative() {
		status.Drawdown = decimal.Zero
	}
	return status, nil
}

// ReadReport loads an archived session report.
func ReadReport(ctx context.Context, store kv.Store, keys kv.Keys, sessionID string) (Session, error) {
	fields, err := store.HGetAll(ctx, keys.Report(sessionID))
	if err != nil {
		return Session{}, err
	}
	if len(fields) == 0 {
		return Session{}, fmt.Errorf("%w: %s", ErrNoReport, sessionID)
	}
	return sessionFromFields(fields), nil
}

// ExportCSV writes the session's closed trades since the given date, oldest
// first.
func (r *Reporter) ExportCSV(w io.Writer, since time.Time) error {
	return WriteCSV(w, r.tracker.ClosedPositions(), since)
}

// WriteCSV renders closed trades as CSV, oldest first. The export CLI feeds
// it positions loaded straight from the store.
func WriteCSV(w io.Writer, closed []positions.Position, since time.Time) error {
	closed = append([]positions.Position(nil), closed...)
	sort.Slice(closed, func(i, j int) bool { return closed[i].ExitTime.Before(closed[j].ExitTime) })

	cw := csv.NewWriter(w)
	header := []string{"exit_time", "segment", "security_id", "quantity", "buy_avg", "exit_price", "exit_reason", "pnl", "pnl_pct"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, pos := range closed {
		if pos.ExitTime.Before(since) {
			continue
		}
		row := []string{
			pos.ExitTime.UTC().Format(time.RFC3339),
			pos.Segment,
			pos.SecurityID,
			strconv.Itoa(pos.Quantity),
			pos.BuyAvg.String(),
			pos.ExitPrice.String(),
			pos.ExitReason,
			pos.PnL.String(),
			pos.PnLPct.String(),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (s Session) fields() map[string]string {
	return map[string]string{
		"session_id":     s.SessionID,
		"start_time":     strconv.FormatInt(s.StartTime.Unix(), 10),
		"start_equity":   s.StartEquity.String(),
		"realized_pnl":   s.RealizedPnL.String(),
		"unrealized_pnl": s.UnrealizedPnL.String(),
		"fees":           s.Fees.String(),
		"total_pnl":      s.TotalPnL.String(),
	}
}

func sessionFromFields(fields map[string]string) Session {
	dec := func(name string) decimal.Decimal {
		v, err := decimal.NewFromString(fields[name])
		if err != nil {
			return decimal.Zero
		}
		return v
	}
	session := Session{
		SessionID:     fields["session_id"],
		StartEquity:   dec("start_equity"),
		RealizedPnL:   dec("realized_pnl"),
		UnrealizedPnL: dec("unrealized_pnl"),
		Fees:          dec("fees"),
		TotalPnL:      dec("total_pnl"),
	}
	if epoch, err := strconv.ParseInt(fields["start_time"], 10, 64); err == nil && epoch > 0 {
		session.StartTime = time.Unix(epoch, 0).UTC()
	}
	return session
}
