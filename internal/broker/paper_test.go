package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/scalpd/internal/kv"
	"github.com/quantrail/scalpd/internal/ledger"
	"github.com/quantrail/scalpd/internal/market"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingFills struct {
	orders []Order
	err    error
}

func (f *recordingFills) ApplyFill(_ context.Context, order Order) error {
	if f.err != nil {
		return f.err
	}
	f.orders = append(f.orders, order)
	return nil
}

type fixedBalance struct {
	available decimal.Decimal
}

func (b fixedBalance) Snapshot() ledger.Snapshot {
	return ledger.Snapshot{Available: b.available, Total: b.available}
}

type paperFixture struct {
	paper *Paper
	fills *recordingFills
	store *kv.MemoryStore
	keys  kv.Keys
	ticks *market.TickCache
}

func newPaperFixture(t *testing.T, available string) *paperFixture {
	t.Helper()
	store := kv.NewMemoryStore()
	keys := kv.NewKeys("scalper:v1")
	ticks := market.NewTickCache(store, keys, nil, zerolog.Nop())
	fills := &recordingFills{}
	paper := NewPaper(store, keys, ticks, fixedBalance{available: d(available)}, fills, d("20"), "sess-p", zerolog.Nop())
	return &paperFixture{paper: paper, fills: fills, store: store, keys: keys, ticks: ticks}
}

func (f *paperFixture) putTick(t *testing.T, segment, sid string, ltp float64) {
	t.Helper()
	require.NoError(t, f.ticks.Put(context.Background(), market.Tick{
		Segment:    segment,
		SecurityID: sid,
		LTP:        ltp,
		Timestamp:  time.Now(),
	}))
}

func TestPaper_MarketOrderFillsAtLTP(t *testing.T) {
	f := newPaperFixture(t, "100000")
	f.putTick(t, "NSE_FNO", "49081", 102.456)

	order, err := f.paper.PlaceOrder(context.Background(), OrderRequest{
		Segment: "NSE_FNO", SecurityID: "49081", Side: SideBuy,
		Quantity: 75, Type: TypeMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, order.Status)
	assert.True(t, order.AvgPrice.Equal(d("102.46")), "market fill rounds to the tick size, got %s", order.AvgPrice)
	require.Len(t, f.fills.orders, 1)
	assert.Equal(t, order.ID, f.fills.orders[0].ID)
}

func TestPaper_LimitOrderFillsAtLimit(t *testing.T) {
	f := newPaperFixture(t, "100000")

	order, err := f.paper.PlaceOrder(context.Background(), OrderRequest{
		Segment: "NSE_FNO", SecurityID: "49081", Side: SideBuy,
		Quantity: 75, Type: TypeLimit, Price: d("101.50"),
	})
	require.NoError(t, err)
	assert.True(t, order.AvgPrice.Equal(d("101.50")))
}

func TestPaper_LimitWithoutPriceRejected(t *testing.T) {
	f := newPaperFixture(t, "100000")

	_, err := f.paper.PlaceOrder(context.Background(), OrderRequest{
		Segment: "NSE_FNO", SecurityID: "49081", Side: SideBuy,
		Quantity: 75, Type: TypeLimit,
	})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestPaper_MarketOrderWithoutTick(t *testing.T) {
	f := newPaperFixture(t, "100000")

	_, err := f.paper.PlaceOrder(context.Background(), OrderRequest{
		Segment: "NSE_FNO", SecurityID: "49081", Side: SideBuy,
		Quantity: 75, Type: TypeMarket,
	})
	assert.ErrorIs(t, err, ErrNoPrice)
	assert.Empty(t, f.fills.orders)
}

func TestPaper_BuyRejectedWhenUnaffordable(t *testing.T) {
	f := newPaperFixture(t, "1000")
	f.putTick(t, "NSE_FNO", "49081", 100)

	_, err := f.paper.PlaceOrder(context.Background(), OrderRequest{
		Segment: "NSE_FNO", SecurityID: "49081", Side: SideBuy,
		Quantity: 75, Type: TypeMarket,
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Empty(t, f.fills.orders, "no fill reaches the books")
}

func TestPaper_NonPositiveQuantityRejected(t *testing.T) {
	f := newPaperFixture(t, "100000")
	f.putTick(t, "NSE_FNO", "49081", 100)

	_, err := f.paper.PlaceOrder(context.Background(), OrderRequest{
		Segment: "NSE_FNO", SecurityID: "49081", Side: SideBuy,
		Quantity: 0, Type: TypeMarket,
	})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestPaper_IdempotentReplay(t *testing.T) {
	f := newPaperFixture(t, "100000")
	f.putTick(t, "NSE_FNO", "49081", 100)

	req := OrderRequest{
		Segment: "NSE_FNO", SecurityID: "49081", Side: SideSell,
		Quantity: 75, Type: TypeMarket, Tag: "STOP_LOSS",
		IdempotencyKey: "risk_exit_49081_STOP_LOSS_1756180000_000042",
	}
	first, err := f.paper.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	second, err := f.paper.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Replayed)
	assert.Equal(t, "STOP_LOSS", second.Tag)
	assert.Len(t, f.fills.orders, 1, "replay has no side effects")
}

func TestPaper_FillHandlerFailureRejectsOrder(t *testing.T) {
	f := newPaperFixture(t, "100000")
	f.putTick(t, "NSE_FNO", "49081", 100)
	f.fills.err = errors.New("position mismatch")

	order, err := f.paper.PlaceOrder(context.Background(), OrderRequest{
		Segment: "NSE_FNO", SecurityID: "49081", Side: SideBuy,
		Quantity: 75, Type: TypeMarket, IdempotencyKey: "entry_49081_1",
	})
	require.Error(t, err)
	assert.Equal(t, StatusRejected, order.Status)
	assert.Contains(t, order.Reason, "position mismatch")

	f.fills.err = nil
	retried, err := f.paper.PlaceOrder(context.Background(), OrderRequest{
		Segment: "NSE_FNO", SecurityID: "49081", Side: SideBuy,
		Quantity: 75, Type: TypeMarket, IdempotencyKey: "entry_49081_1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, retried.Status, "rejected orders do not consume the key")
	assert.NotEqual(t, order.ID, retried.ID)
}

func TestRegistry_FirstWriterWins(t *testing.T) {
	store := kv.NewMemoryStore()
	keys := kv.NewKeys("scalper:v1")
	reg := NewRegistry(store, keys, zerolog.Nop())
	ctx := context.Background()

	a := Order{ID: "order-a", Status: StatusFilled, AvgPrice: d("100")}
	b := Order{ID: "order-b", Status: StatusFilled, AvgPrice: d("200")}
	require.NoError(t, PersistOrder(ctx, store, keys, "paper", "s", a))
	require.NoError(t, PersistOrder(ctx, store, keys, "paper", "s", b))

	assert.True(t, reg.Register(ctx, "k1", a))
	assert.False(t, reg.Register(ctx, "k1", b))

	got, ok := reg.Lookup(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "order-a", got.ID)
	assert.True(t, got.Replayed)
}

func TestRegistry_EmptyKeyIgnored(t *testing.T) {
	reg := NewRegistry(kv.NewMemoryStore(), kv.NewKeys("scalper:v1"), zerolog.Nop())
	ctx := context.Background()

	assert.False(t, reg.Register(ctx, "", Order{ID: "x"}))
	_, ok := reg.Lookup(ctx, "")
	assert.False(t, ok)
}

func TestRegistry_LookupSurvivesRestart(t *testing.T) {
	store := kv.NewMemoryStore()
	keys := kv.NewKeys("scalper:v1")
	ctx := context.Background()

	order := Order{ID: "order-z", Status: StatusFilled, AvgPrice: d("55")}
	require.NoError(t, PersistOrder(ctx, store, keys, "paper", "s", order))
	require.True(t, NewRegistry(store, keys, zerolog.Nop()).Register(ctx, "k2", order))

	fresh := NewRegistry(store, keys, zerolog.Nop())
	got, ok := fresh.Lookup(ctx, "k2")
	require.True(t, ok, "the key is found through the store, not just the mirror")
	assert.Equal(t, "order-z", got.ID)
}

func TestPersistOrder_RoundTrip(t *testing.T) {
	store := kv.NewMemoryStore()
	keys := kv.NewKeys("scalper:v1")
	ctx := context.Background()

	placed := time.Date(2026, 8, 26, 10, 15, 0, 0, time.UTC)
	order := Order{
		ID: "rt-1", Segment: "NSE_FNO", SecurityID: "49081",
		Side: SideSell, Quantity: 75, AvgPrice: d("104.25"),
		Status: StatusFilled, Tag: "TAKE_PROFIT", PlacedAt: placed,
	}
	require.NoError(t, PersistOrder(ctx, store, keys, "paper", "sess-p", order))

	got, err := LoadOrder(ctx, store, keys, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, order.SecurityID, got.SecurityID)
	assert.Equal(t, order.Side, got.Side)
	assert.Equal(t, order.Quantity, got.Quantity)
	assert.True(t, got.AvgPrice.Equal(order.AvgPrice))
	assert.Equal(t, order.Tag, got.Tag)
	assert.Equal(t, placed, got.PlacedAt)

	ids, err := store.LRange(ctx, keys.OrdersList("paper", "sess-p"), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"rt-1"}, ids)
}

func TestLoadOrder_Missing(t *testing.T) {
	store := kv.NewMemoryStore()
	keys := kv.NewKeys("scalper:v1")

	_, err := LoadOrder(context.Background(), store, keys, "ghost")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]Status{
		"TRADED":    StatusFilled,
		"FILLED":    StatusFilled,
		"COMPLETE":  StatusFilled,
		"REJECTED":  StatusRejected,
		"CANCELLED": StatusRejected,
		"EXPIRED":   StatusRejected,
		"PENDING":   StatusPending,
		"TRANSIT":   StatusPending,
		"":          StatusPending,
	}
	for upstream, want := range cases {
		assert.Equal(t, want, mapStatus(upstream), "upstream status %q", upstream)
	}
}