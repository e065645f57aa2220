package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/usdt_vault/model"
)

// Source reads raw chain balances of an account's custodial address.
type Source interface {
	StableBalance(ctx context.Context, accountID uint64) (decimal.Decimal, error)
	NativeBalance(ctx context.Context, accountID uint64) (decimal.Decimal, error)
}

// SavingsAggregator sums what an account has committed to savings goals.
type SavingsAggregator interface {
	SumCommitted(ctx context.Context, accountID uint64) (decimal.Decimal, error)
}

// Snapshot is one consistent read of an account's balances.
type Snapshot struct {
	Stable    decimal.Decimal `json:"usdt"`
	Native    decimal.Decimal `json:"bnb"`
	Locked    decimal.Decimal `json:"locked_in_savings"`
	Available decimal.Decimal `json:"available"`
	TakenAt   time.Time       `json:"taken_at"`
}

// Spendable is the amount of asset a transfer may move. Savings locks apply to
// the stable token only.
func (s Snapshot) Spendable(asset model.Asset) decimal.Decimal {
	if asset == model.AssetNative {
		return s.Native
	}
	return s.Available
}

// Raw is the on-chain holding of asset.
func (s Snapshot) Raw(asset model.Asset) decimal.Decimal {
	if asset == model.AssetNative {
		return s.Native
	}
	return s.Stable
}

type Ledger struct {
	source  Source
	savings SavingsAggregator
	now     func() time.Time
}

func NewLedger(source Source, savings SavingsAggregator) *Ledger {
	return &Ledger{source: source, savings: savings, now: time.Now}
}

// Snapshot reads both chain balances and the savings total concurrently.
func (l *Ledger) Snapshot(ctx context.Context, accountID uint64) (*Snapshot, error) {
	var stable, native, locked decimal.Decimal

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := l.source.StableBalance(gctx, accountID)
		if err != nil {
			return fmt.Errorf("stable balance: %w", err)
		}
		stable = v
		return nil
	})
	g.Go(func() error {
		v, err := l.source.NativeBalance(gctx, accountID)
		if err != nil {
			return fmt.Errorf("native balance: %w", err)
		}
		native = v
		return nil
	})
	g.Go(func() error {
		v, err := l.savings.SumCommitted(gctx, accountID)
		if err != nil {
			return fmt.Errorf("savings total: %w", err)
		}
		locked = v
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Snapshot{
		Stable:    stable,
		Native:    native,
		Locked:    locked,
		Available: Available(stable, locked),
		TakenAt:   l.now(),
	}, nil
}
