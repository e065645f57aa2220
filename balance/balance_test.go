package balance

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usdt_vault/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAvailable(t *testing.T) {
	cases := []struct {
		name        string
		raw, locked string
		want        string
	}{
		{"partially locked", "100", "40", "60"},
		{"nothing locked", "100", "0", "100"},
		{"fully locked", "100", "100", "0"},
		{"over locked floors at zero", "50", "80", "0"},
		{"negative lock ignored", "10", "-5", "10"},
		{"fractional", "12.345678", "2.3", "10.045678"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Available(d(tc.raw), d(tc.locked))
			assert.True(t, got.Equal(d(tc.want)), "got %s want %s", got, tc.want)
			assert.True(t, got.LessThanOrEqual(d(tc.raw)) || d(tc.raw).IsNegative())
		})
	}
}

type stubSource struct {
	stable, native decimal.Decimal
	err            error
}

func (s stubSource) StableBalance(context.Context, uint64) (decimal.Decimal, error) {
	return s.stable, s.err
}

func (s stubSource) NativeBalance(context.Context, uint64) (decimal.Decimal, error) {
	return s.native, nil
}

type stubSavings decimal.Decimal

func (s stubSavings) SumCommitted(context.Context, uint64) (decimal.Decimal, error) {
	return decimal.Decimal(s), nil
}

func TestLedger_Snapshot(t *testing.T) {
	l := NewLedger(stubSource{stable: d("100"), native: d("0.5")}, stubSavings(d("40")))

	snap, err := l.Snapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, snap.Available.Equal(d("60")))
	assert.True(t, snap.Locked.Equal(d("40")))
	assert.True(t, snap.Spendable(model.AssetStable).Equal(d("60")))
	assert.True(t, snap.Spendable(model.AssetNative).Equal(d("0.5")))
	assert.True(t, snap.Raw(model.AssetStable).Equal(d("100")))
}

func TestLedger_SourceError(t *testing.T) {
	boom := errors.New("rpc down")
	l := NewLedger(stubSource{err: boom}, stubSavings(decimal.Zero))

	_, err := l.Snapshot(context.Background(), 1)
	assert.ErrorIs(t, err, boom)
}
