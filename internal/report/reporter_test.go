package report

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/scalpd/internal/broker"
	"github.com/quantrail/scalpd/internal/kv"
	"github.com/quantrail/scalpd/internal/ledger"
	"github.com/quantrail/scalpd/internal/positions"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	reporter *Reporter
	tracker  *positions.Tracker
	store    *kv.MemoryStore
	keys     kv.Keys
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := kv.NewMemoryStore()
	keys := kv.NewKeys("scalper:v1")
	balance := ledger.NewProvider(d("100000"), store, keys, zerolog.Nop())
	tracker := positions.NewTracker(balance, d("20"), store, keys, zerolog.Nop())
	reporter := NewReporter(store, keys, tracker, balance, "sess-001", d("100000"), zerolog.Nop())
	return &harness{reporter: reporter, tracker: tracker, store: store, keys: keys}
}

func (h *harness) trade(t *testing.T, sid string, qty int, entry, exit string, at time.Time) {
	t.Helper()
	require.NoError(t, h.tracker.ApplyFill(context.Background(), broker.Order{
		ID: uuid.NewString(), Segment: "NSE_FNO", SecurityID: sid,
		Side: broker.SideBuy, Quantity: qty, AvgPrice: d(entry),
		Status: broker.StatusFilled, PlacedAt: at,
	}))
	if exit != "" {
		require.NoError(t, h.tracker.ApplyFill(context.Background(), broker.Order{
			ID: uuid.NewString(), Segment: "NSE_FNO", SecurityID: sid,
			Side: broker.SideSell, Quantity: qty, AvgPrice: d(exit),
			Status: broker.StatusFilled, Tag: "TAKE_PROFIT", PlacedAt: at.Add(10 * time.Minute),
		}))
	}
}

func TestSession_PnLBreakdown(t *testing.T) {
	h := newHarness(t)
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	h.trade(t, "49081", 75, "100", "110", at) // +750 realized, 2 legs of fees
	h.trade(t, "49082", 75, "200", "", at)    // open, 1 leg of fees
	h.tracker.UpdateCurrentPrice(context.Background(), "NSE_FNO", "49082", positions.SideLong, d("204"))

	session := h.reporter.Session()
	assert.True(t, session.RealizedPnL.Equal(d("750")), "realized %s", session.RealizedPnL)
	assert.True(t, session.UnrealizedPnL.Equal(d("300")), "unrealized %s", session.UnrealizedPnL)
	assert.True(t, session.Fees.Equal(d("60")), "fees %s", session.Fees)
	assert.True(t, session.TotalPnL.Equal(d("990")), "total = realized + unrealized - fees")
}

func TestSnapshot_PersistsLiveAndArchive(t *testing.T) {
	h := newHarness(t)
	h.trade(t, "49081", 75, "100", "110", time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))

	session, err := h.reporter.Snapshot(context.Background())
	require.NoError(t, err)

	live, err := h.store.HGetAll(context.Background(), h.keys.SessionPnL())
	require.NoError(t, err)
	assert.Equal(t, session.RealizedPnL.String(), live["realized_pnl"])

	archived, err := ReadReport(context.Background(), h.store, h.keys, "sess-001")
	require.NoError(t, err)
	assert.True(t, archived.RealizedPnL.Equal(session.RealizedPnL))
	assert.Equal(t, "sess-001", archived.SessionID)
}

func TestReadReport_Missing(t *testing.T) {
	h := newHarness(t)
	_, err := ReadReport(context.Background(), h.store, h.keys, "nope")
	assert.ErrorIs(t, err, ErrNoReport)
}

func TestHeartbeatAndStatus(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reporter.Heartbeat(context.Background()))
	_, err := h.reporter.Snapshot(context.Background())
	require.NoError(t, err)

	status, err := ReadStatus(context.Background(), h.store, h.keys)
	require.NoError(t, err)
	assert.False(t, status.LastHeartbeat.IsZero())
	assert.WithinDuration(t, time.Now(), status.LastHeartbeat, time.Minute)
}

func TestStatus_DrawdownNeverNegative(t *testing.T) {
	h := newHarness(t)
	h.trade(t, "49081", 75, "100", "110", time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))
	_, err := h.reporter.Snapshot(context.Background())
	require.NoError(t, err)

	status, err := ReadStatus(context.Background(), h.store, h.keys)
	require.NoError(t, err)
	assert.True(t, status.Drawdown.IsZero(), "profitable session shows zero drawdown")
}

func TestExportCSV_FiltersBySince(t *testing.T) {
	h := newHarness(t)
	h.trade(t, "49081", 75, "100", "110", time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC))
	h.trade(t, "49082", 75, "200", "190", time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))

	var buf bytes.Buffer
	require.NoError(t, h.reporter.ExportCSV(&buf, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2, "header plus one qualifying trade")
	assert.Contains(t, lines[0], "exit_reason")
	assert.Contains(t, lines[1], "49082")
	assert.Contains(t, lines[1], "-750")
}