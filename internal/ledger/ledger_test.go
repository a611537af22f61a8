package ledger

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/scalpd/internal/kv"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestProvider(starting string) (*Provider, *kv.MemoryStore) {
	store := kv.NewMemoryStore()
	return NewProvider(d(starting), store, kv.NewKeys("scalper:v1"), zerolog.Nop()), store
}

func TestDebit_MovesAvailableToUsed(t *testing.T) {
	p, _ := newTestProvider("100000")
	require.NoError(t, p.Debit(context.Background(), d("7500")))

	snap := p.Snapshot()
	assert.True(t, snap.Available.Equal(d("92500")), "available %s", snap.Available)
	assert.True(t, snap.Used.Equal(d("7500")))
	assert.True(t, snap.Total.Equal(d("100000")), "debit never changes equity")
}

func TestDebit_InsufficientFunds(t *testing.T) {
	p, _ := newTestProvider("1000")
	err := p.Debit(context.Background(), d("1000.01"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	snap := p.Snapshot()
	assert.True(t, snap.Available.Equal(d("1000")), "failed debit leaves books untouched")
}

func TestDebit_RejectsNonPositive(t *testing.T) {
	p, _ := newTestProvider("1000")
	assert.Error(t, p.Debit(context.Background(), decimal.Zero))
	assert.Error(t, p.Debit(context.Background(), d("-5")))
}

func TestCredit_ReleasesUsed(t *testing.T) {
	p, _ := newTestProvider("100000")
	require.NoError(t, p.Debit(context.Background(), d("10000")))
	require.NoError(t, p.Credit(context.Background(), d("4000")))

	snap := p.Snapshot()
	assert.True(t, snap.Available.Equal(d("94000")))
	assert.True(t, snap.Used.Equal(d("6000")))
	assert.True(t, snap.Total.Equal(d("100000")))
}

func TestCredit_ExcessOverUsedIsProfit(t *testing.T) {
	p, _ := newTestProvider("100000")
	require.NoError(t, p.Debit(context.Background(), d("10000")))
	require.NoError(t, p.Credit(context.Background(), d("12500")))

	snap := p.Snapshot()
	assert.True(t, snap.Used.IsZero())
	assert.True(t, snap.Available.Equal(d("102500")))
	assert.True(t, snap.Total.Equal(d("102500")), "profit raises equity")
}

func TestCreditRelease_Loss(t *testing.T) {
	p, _ := newTestProvider("100000")
	require.NoError(t, p.Debit(context.Background(), d("10000")))
	// Exit at a loss: 10000 entry cost comes back as 8000 proceeds.
	require.NoError(t, p.CreditRelease(context.Background(), d("10000"), d("8000")))

	snap := p.Snapshot()
	assert.True(t, snap.Used.IsZero(), "no residual used after settling")
	assert.True(t, snap.Available.Equal(d("98000")))
	assert.True(t, snap.Total.Equal(d("98000")), "equity reflects the realized loss")
}

func TestCreditRelease_Gain(t *testing.T) {
	p, _ := newTestProvider("100000")
	require.NoError(t, p.Debit(context.Background(), d("10000")))
	require.NoError(t, p.CreditRelease(context.Background(), d("10000"), d("11000")))

	snap := p.Snapshot()
	assert.True(t, snap.Used.IsZero())
	assert.True(t, snap.Total.Equal(d("101000")))
}

func TestApplyFee_ReducesEquity(t *testing.T) {
	p, _ := newTestProvider("100000")
	require.NoError(t, p.ApplyFee(context.Background(), d("20")))

	snap := p.Snapshot()
	assert.True(t, snap.Available.Equal(d("99980")))
	assert.True(t, snap.Total.Equal(d("99980")))

	require.NoError(t, p.ApplyFee(context.Background(), decimal.Zero), "zero fee is a no-op")
	assert.Error(t, p.ApplyFee(context.Background(), d("-1")))
}

func TestApplyFee_CannotOverdrawAvailable(t *testing.T) {
	p, _ := newTestProvider("10")
	err := p.ApplyFee(context.Background(), d("10.01"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	snap := p.Snapshot()
	assert.True(t, snap.Available.Equal(d("10")), "rejected fee leaves books untouched")
	assert.True(t, snap.FeesPaid.IsZero())
}

func TestRestore_RoundTrip(t *testing.T) {
	p, store := newTestProvider("100000")
	require.NoError(t, p.Debit(context.Background(), d("2500")))
	require.NoError(t, p.ApplyFee(context.Background(), d("20")))

	fresh := NewProvider(d("100000"), store, kv.NewKeys("scalper:v1"), zerolog.Nop())
	require.NoError(t, fresh.Restore(context.Background()))

	want, got := p.Snapshot(), fresh.Snapshot()
	assert.True(t, got.Available.Equal(want.Available))
	assert.True(t, got.Used.Equal(want.Used))
	assert.True(t, got.Total.Equal(want.Total))
}

func TestRestore_FreshStoreKeepsSeed(t *testing.T) {
	p, _ := newTestProvider("50000")
	require.NoError(t, p.Restore(context.Background()))
	assert.True(t, p.Snapshot().Total.Equal(d("50000")))
}
