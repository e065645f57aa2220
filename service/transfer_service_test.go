package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/usdt_vault/idempotency"
	"github.com/usdt_vault/lock"
	"github.com/usdt_vault/model"
)

func accept(context.Context, Preview) (bool, error) { return true, nil }

func TestTransfer_WithinAvailableBalance(t *testing.T) {
	fx := newTransferFixture(t)

	res, err := fx.svc.Transfer(context.Background(), usdt("60", ""), accept)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, model.SettlementSuccess, res.Outcome.Status)
	assert.False(t, res.Replayed)
	assert.Equal(t, 1, fx.chain.submitted())

	rec := fx.records.get(res.OperationID)
	require.NotNil(t, rec)
	assert.Equal(t, model.TransferConfirmed, rec.Status)
	assert.Equal(t, res.Outcome.TxHash, rec.TxHash)
	assert.Equal(t, uint64(100), rec.BlockNumber)
	assert.True(t, dec("0.0001").Equal(rec.Fee))

	_, ok := fx.locks.Holder(7)
	assert.False(t, ok, "lock released after Done")
}

func TestTransfer_SavingsLockedFundsAreNotSpendable(t *testing.T) {
	fx := newTransferFixture(t)

	_, err := fx.svc.Transfer(context.Background(), usdt("61", ""), accept)
	require.ErrorIs(t, err, model.ErrInsufficientAvailableBalance)
	assert.Equal(t, 0, fx.chain.submitted())
	assert.Equal(t, 0, fx.fees.calls, "rejected before quoting")

	_, err = fx.svc.Transfer(context.Background(), usdt("150", ""), accept)
	require.ErrorIs(t, err, model.ErrInsufficientRawBalance)
	assert.Equal(t, 0, fx.records.count())
}

func TestTransfer_FeeCoverage(t *testing.T) {
	fx := newTransferFixture(t)
	fx.chain.set(func(c *fakeChain) { c.native = decimal.Zero })

	_, err := fx.svc.Transfer(context.Background(), usdt("10", ""), nil)
	require.ErrorIs(t, err, model.ErrInsufficientFeeBalance)

	// native sends need amount + fee
	fx.chain.set(func(c *fakeChain) { c.native = dec("1") })
	req := model.TransferRequest{AccountID: 7, Asset: model.AssetNative, To: testTo, Amount: dec("1")}
	_, err = fx.svc.Transfer(context.Background(), req, nil)
	require.ErrorIs(t, err, model.ErrInsufficientFeeBalance)

	req.Amount = dec("0.5")
	res, err := fx.svc.Transfer(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 1, fx.chain.submitted())
}

func TestTransfer_InvalidRequests(t *testing.T) {
	fx := newTransferFixture(t)

	cases := map[string]model.TransferRequest{
		"no account":    {Asset: model.AssetStable, To: testTo, Amount: dec("1")},
		"unknown asset": {AccountID: 7, Asset: "ETH", To: testTo, Amount: dec("1")},
		"bad address":   {AccountID: 7, Asset: model.AssetStable, To: "0x1234", Amount: dec("1")},
		"zero amount":   {AccountID: 7, Asset: model.AssetStable, To: testTo, Amount: decimal.Zero},
		"negative":      {AccountID: 7, Asset: model.AssetStable, To: testTo, Amount: dec("-5")},
		"no 0x prefix":  {AccountID: 7, Asset: model.AssetStable, To: "1111111111111111111111111111111111111111", Amount: dec("1")},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := fx.svc.Transfer(context.Background(), req, accept)
			require.ErrorIs(t, err, model.ErrInvalidRequest)
		})
	}
	assert.Equal(t, 0, fx.chain.submitted())
}

func TestTransfer_ConcurrentWithoutKeyOnlyOneSpends(t *testing.T) {
	fx := newTransferFixture(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.svc.Transfer(context.Background(), usdt("60", ""), nil)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, model.ErrInsufficientAvailableBalance) || errors.Is(err, model.ErrAccountBusy), err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, fx.chain.submitted())
}

func TestTransfer_ReplaysRecordedOutcome(t *testing.T) {
	fx := newTransferFixture(t)
	ctx := context.Background()

	first, err := fx.svc.Transfer(ctx, usdt("20", "key-1"), accept)
	require.NoError(t, err)

	second, err := fx.svc.Transfer(ctx, usdt("20", "key-1"), accept)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.OperationID, second.OperationID)
	assert.Equal(t, first.Outcome.TxHash, second.Outcome.TxHash)
	assert.Equal(t, 1, fx.chain.submitted(), "replay must not broadcast again")
}

func TestTransfer_ConcurrentSameKeyBroadcastsOnce(t *testing.T) {
	fx := newTransferFixture(t)
	release := make(chan struct{})
	fx.chain.set(func(c *fakeChain) {
		c.await = func(_ context.Context, hash common.Hash) (*model.SettlementOutcome, error) {
			<-release
			return &model.SettlementOutcome{TxHash: hash.Hex(), Status: model.SettlementSuccess, SettledAt: time.Now()}, nil
		}
	})

	var wg sync.WaitGroup
	results := make([]*TransferResult, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fx.svc.Transfer(context.Background(), usdt("10", "dup"), nil)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].Outcome.TxHash, results[1].Outcome.TxHash)
	assert.NotEqual(t, results[0].Replayed, results[1].Replayed, "exactly one replay")
	assert.Equal(t, 1, fx.chain.submitted())
}

func TestTransfer_KeyConflict(t *testing.T) {
	fx := newTransferFixture(t)
	ctx := context.Background()

	_, err := fx.svc.Transfer(ctx, usdt("10", "shared"), nil)
	require.NoError(t, err)

	other := usdt("10", "shared")
	other.AccountID = 8
	_, err = fx.svc.Transfer(ctx, other, nil)
	require.ErrorIs(t, err, model.ErrIdempotencyKeyConflict)

	_, err = fx.svc.Transfer(ctx, usdt("11", "shared"), nil)
	require.ErrorIs(t, err, model.ErrIdempotencyKeyConflict, "same key, different payload")
	assert.Equal(t, 1, fx.chain.submitted())
}

func TestTransfer_SettlementTimeoutIsRecordedAsUnknown(t *testing.T) {
	fx := newTransferFixture(t)
	ctx := context.Background()
	fx.chain.set(func(c *fakeChain) {
		c.await = func(_ context.Context, hash common.Hash) (*model.SettlementOutcome, error) {
			return &model.SettlementOutcome{
				TxHash:    hash.Hex(),
				Status:    model.SettlementFailed,
				Reason:    model.ReasonUnconfirmed,
				SettledAt: time.Now(),
			}, fmt.Errorf("%w: no receipt", model.ErrSettlementUnknown)
		}
	})

	res, err := fx.svc.Transfer(ctx, usdt("60", "slow"), nil)
	require.ErrorIs(t, err, model.ErrSettlementUnknown)
	require.NotNil(t, res)
	assert.True(t, res.Outcome.Unconfirmed())
	assert.Equal(t, StateFailed, res.State)
	assert.NotEmpty(t, res.Outcome.TxHash)

	rec := fx.records.get(res.OperationID)
	require.NotNil(t, rec)
	assert.Equal(t, model.TransferUnknown, rec.Status)
	assert.Equal(t, res.Outcome.TxHash, rec.TxHash)

	// the same key never sends twice
	again, err := fx.svc.Transfer(ctx, usdt("60", "slow"), nil)
	require.ErrorIs(t, err, model.ErrSettlementUnknown)
	assert.True(t, again.Replayed)
	assert.Equal(t, 1, fx.chain.submitted())

	// a fresh request re-checks availability against what the chain reports
	_, err = fx.svc.Transfer(ctx, usdt("60", ""), nil)
	require.ErrorIs(t, err, model.ErrInsufficientAvailableBalance)

	fx.chain.set(func(c *fakeChain) {
		c.stable = dec("100") // the first broadcast was dropped
		c.await = nil
	})
	_, err = fx.svc.Transfer(ctx, usdt("60", ""), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fx.chain.submitted())
}

func TestTransfer_AmbiguousBroadcastSkipsSettling(t *testing.T) {
	fx := newTransferFixture(t)
	fx.chain.set(func(c *fakeChain) {
		c.submitErr = fmt.Errorf("%w: connection reset", model.ErrSettlementUnknown)
		c.await = func(context.Context, common.Hash) (*model.SettlementOutcome, error) {
			t.Error("await must not run after an ambiguous broadcast")
			return nil, nil
		}
	})

	res, err := fx.svc.Transfer(context.Background(), usdt("5", "amb"), nil)
	require.ErrorIs(t, err, model.ErrSettlementUnknown)
	require.NotNil(t, res)
	assert.True(t, res.Outcome.Unconfirmed())
	assert.Equal(t, model.TransferUnknown, fx.records.get(res.OperationID).Status)
}

func TestTransfer_QuoteUnavailableLeavesKeyRetryable(t *testing.T) {
	fx := newTransferFixture(t)
	ctx := context.Background()
	fx.fees.set(func(f *fakeFees) { f.err = errors.New("gas oracle down") })

	_, err := fx.svc.Transfer(ctx, usdt("10", "retry-me"), accept)
	require.ErrorIs(t, err, model.ErrQuoteUnavailable)
	assert.Equal(t, 0, fx.records.count())

	rec, err := fx.idem.Lookup(ctx, 7, "retry-me")
	require.NoError(t, err)
	assert.Nil(t, rec)

	fx.fees.set(func(f *fakeFees) { f.err = nil })
	res, err := fx.svc.Transfer(ctx, usdt("10", "retry-me"), accept)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 1, fx.chain.submitted())
}

func TestTransfer_ConfirmationDeclinedHasNoSideEffects(t *testing.T) {
	fx := newTransferFixture(t)
	ctx := context.Background()

	var seen Preview
	_, err := fx.svc.Transfer(ctx, usdt("10", "decline"), func(_ context.Context, p Preview) (bool, error) {
		seen = p
		return false, nil
	})
	require.ErrorIs(t, err, model.ErrConfirmationDeclined)
	assert.True(t, dec("0.0001").Equal(seen.Quote.TotalFee))
	assert.True(t, dec("60").Equal(seen.Balance.Available))

	assert.Equal(t, 0, fx.chain.submitted())
	assert.Equal(t, 0, fx.records.count())
	_, held := fx.locks.Holder(7)
	assert.False(t, held)
	rec, err := fx.idem.Lookup(ctx, 7, "decline")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestTransfer_StaleQuoteRequoteHigherFailsClosed(t *testing.T) {
	fx := newTransferFixture(t)
	fx.fees.set(func(f *fakeFees) { f.fees = []decimal.Decimal{dec("0.0001"), dec("0.0002")} })

	_, err := fx.svc.Transfer(context.Background(), usdt("10", ""), func(context.Context, Preview) (bool, error) {
		fx.clock.Advance(time.Minute)
		return true, nil
	})
	require.ErrorIs(t, err, model.ErrQuoteChanged)
	assert.Equal(t, 0, fx.chain.submitted())
}

func TestTransfer_StaleQuoteRequoteLowerProceeds(t *testing.T) {
	fx := newTransferFixture(t)
	fx.fees.set(func(f *fakeFees) { f.fees = []decimal.Decimal{dec("0.0002"), dec("0.0001")} })

	res, err := fx.svc.Transfer(context.Background(), usdt("10", ""), func(context.Context, Preview) (bool, error) {
		fx.clock.Advance(time.Minute)
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, dec("0.0001").Equal(res.Fee.TotalFee))
	assert.Equal(t, 2, fx.fees.calls)
}

func TestTransfer_RevalidatesBeforeSubmitting(t *testing.T) {
	fx := newTransferFixture(t)

	_, err := fx.svc.Transfer(context.Background(), usdt("30", ""), func(context.Context, Preview) (bool, error) {
		// balance moved while the caller was deciding
		fx.chain.set(func(c *fakeChain) { c.stable = dec("50") })
		return true, nil
	})
	require.ErrorIs(t, err, model.ErrInsufficientAvailableBalance)
	assert.Equal(t, 0, fx.chain.submitted())
}

func TestTransfer_SubmissionFailedIsRetryable(t *testing.T) {
	fx := newTransferFixture(t)
	ctx := context.Background()
	fx.chain.set(func(c *fakeChain) { c.submitErr = fmt.Errorf("%w: nonce too low", model.ErrSubmissionFailed) })

	res, err := fx.svc.Transfer(ctx, usdt("10", "sub"), nil)
	require.ErrorIs(t, err, model.ErrSubmissionFailed)
	assert.Nil(t, res)

	fx.chain.set(func(c *fakeChain) { c.submitErr = nil })
	res, err = fx.svc.Transfer(ctx, usdt("10", "sub"), nil)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 2, fx.chain.submitted())
}

func TestTransfer_RevertedReceiptIsRecorded(t *testing.T) {
	fx := newTransferFixture(t)
	ctx := context.Background()
	fx.chain.set(func(c *fakeChain) {
		c.await = func(_ context.Context, hash common.Hash) (*model.SettlementOutcome, error) {
			return &model.SettlementOutcome{TxHash: hash.Hex(), Status: model.SettlementFailed, Reason: "reverted", SettledAt: time.Now()}, nil
		}
	})

	res, err := fx.svc.Transfer(ctx, usdt("10", "rev"), nil)
	require.ErrorIs(t, err, model.ErrSubmissionFailed)
	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, model.TransferFailed, fx.records.get(res.OperationID).Status)

	stored, err := fx.idem.Lookup(ctx, 7, "rev")
	require.NoError(t, err)
	var recorded TransferResult
	require.NoError(t, json.Unmarshal(stored.Response, &recorded))
	assert.Equal(t, res.OperationID, recorded.OperationID)
	assert.Equal(t, "reverted", recorded.Outcome.Reason)

	again, err := fx.svc.Transfer(ctx, usdt("10", "rev"), nil)
	require.ErrorIs(t, err, model.ErrSubmissionFailed)
	assert.True(t, again.Replayed)
	assert.Equal(t, 1, fx.chain.submitted())
}

func TestTransfer_AccountBusy(t *testing.T) {
	fx := newTransferFixture(t)
	fx.svc.opts.LockPolicy.MaxAttempts = 2

	_, held, err := fx.locks.TryAcquire(context.Background(), 7, opSavingsDeposit, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, err = fx.svc.Transfer(context.Background(), usdt("10", ""), nil)
	require.ErrorIs(t, err, model.ErrAccountBusy)
	assert.Equal(t, 0, fx.chain.submitted())
}

func TestTransfer_BalanceUnavailable(t *testing.T) {
	fx := newTransferFixture(t)
	fx.chain.set(func(c *fakeChain) { c.snapErr = errors.New("rpc timeout") })

	_, err := fx.svc.Transfer(context.Background(), usdt("10", ""), nil)
	require.ErrorIs(t, err, model.ErrBalanceUnavailable)
}

func TestQuote_HasNoSideEffects(t *testing.T) {
	fx := newTransferFixture(t)

	preview, err := fx.svc.Quote(context.Background(), usdt("25", "ignored"))
	require.NoError(t, err)
	assert.True(t, dec("25").Equal(preview.Amount))
	assert.True(t, dec("0.0001").Equal(preview.Quote.TotalFee))
	assert.True(t, dec("40").Equal(preview.Balance.Locked))
	assert.NotEmpty(t, preview.OperationID)

	assert.Equal(t, 0, fx.chain.submitted())
	assert.Equal(t, 0, fx.records.count())
	_, held := fx.locks.Holder(7)
	assert.False(t, held)

	_, err = fx.svc.Quote(context.Background(), usdt("61", ""))
	require.ErrorIs(t, err, model.ErrInsufficientAvailableBalance)
}

func TestTransferResult_Err(t *testing.T) {
	assert.NoError(t, (&TransferResult{}).Err())
	assert.NoError(t, (&TransferResult{Outcome: &model.SettlementOutcome{Status: model.SettlementSuccess}}).Err())
	assert.ErrorIs(t, (&TransferResult{Outcome: &model.SettlementOutcome{
		Status: model.SettlementFailed, Reason: model.ReasonUnconfirmed,
	}}).Err(), model.ErrSettlementUnknown)
	assert.ErrorIs(t, (&TransferResult{Outcome: &model.SettlementOutcome{
		Status: model.SettlementFailed, Reason: "reverted",
	}}).Err(), model.ErrSubmissionFailed)
}

func TestTransfer_LockOutlivesSlowSettlement(t *testing.T) {
	fx := newTransferFixture(t)
	fx.locks = lock.NewMemoryTable(lock.WithClock(fx.clock.Now))
	opts := DefaultTransferOptions()
	opts.LockPolicy = lock.Policy{TTL: 30 * time.Second, MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	fx.svc = NewTransferService(fx.locks, fx.idem, fx.chain, fx.fees, fx.chain, fx.records, opts, zaptest.NewLogger(t))
	fx.svc.now = fx.clock.Now

	settling := make(chan struct{})
	release := make(chan struct{})
	fx.chain.set(func(c *fakeChain) {
		c.await = func(_ context.Context, hash common.Hash) (*model.SettlementOutcome, error) {
			close(settling)
			<-release
			block := uint64(100)
			return &model.SettlementOutcome{TxHash: hash.Hex(), Status: model.SettlementSuccess, BlockNumber: &block, SettledAt: time.Now()}, nil
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := fx.svc.Transfer(context.Background(), usdt("10", ""), nil)
		done <- err
	}()
	<-settling

	// past the base TTL but inside the settlement window
	fx.clock.Advance(31 * time.Second)
	holder, held := fx.locks.Holder(7)
	require.True(t, held)
	assert.Equal(t, opTransfer, holder.Operation)

	_, err := fx.svc.Transfer(context.Background(), usdt("40", ""), nil)
	require.ErrorIs(t, err, model.ErrAccountBusy)
	assert.Equal(t, 1, fx.chain.submitted())

	close(release)
	require.NoError(t, <-done)
	_, held = fx.locks.Holder(7)
	assert.False(t, held)
}

func TestTransfer_LockLostBeforeBroadcast(t *testing.T) {
	fx := newTransferFixture(t)
	fx.locks = lock.NewMemoryTable(lock.WithClock(fx.clock.Now))
	fx.svc = NewTransferService(fx.locks, fx.idem, fx.chain, fx.fees, fx.chain, fx.records, fx.svc.opts, zaptest.NewLogger(t))
	fx.svc.now = fx.clock.Now

	confirm := func(ctx context.Context, _ Preview) (bool, error) {
		fx.clock.Advance(time.Hour)
		// another operation reclaims the expired lock while the user decides
		_, held, err := fx.locks.TryAcquire(ctx, 7, opSavingsDeposit, time.Minute)
		require.NoError(t, err)
		require.True(t, held)
		return true, nil
	}
	_, err := fx.svc.Transfer(context.Background(), usdt("10", ""), confirm)
	require.ErrorIs(t, err, model.ErrAccountBusy)
	assert.Equal(t, 0, fx.chain.submitted())
	assert.Equal(t, 0, fx.records.count())
}

func TestTransfer_AmountPrecision(t *testing.T) {
	fx := newTransferFixture(t)

	_, err := fx.svc.Transfer(context.Background(), usdt("1.0000000000000000001", ""), accept)
	require.ErrorIs(t, err, model.ErrInvalidRequest)
	native := model.TransferRequest{AccountID: 7, Asset: model.AssetNative, To: testTo, Amount: dec("0.0000000000000000001")}
	_, err = fx.svc.Transfer(context.Background(), native, accept)
	require.ErrorIs(t, err, model.ErrInvalidRequest)
	assert.Equal(t, 0, fx.fees.calls)

	fx.svc.opts.StableDecimals = 6
	_, err = fx.svc.Transfer(context.Background(), usdt("1.0000001", ""), accept)
	require.ErrorIs(t, err, model.ErrInvalidRequest)

	res, err := fx.svc.Transfer(context.Background(), usdt("1.000001", ""), accept)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 1, fx.chain.submitted())
}

type contendedStore struct {
	idempotency.Store
}

func (contendedStore) Reserve(context.Context, uint64, string, string) error {
	return idempotency.ErrInProgress
}

func TestTransfer_ReservationRaceIsBusy(t *testing.T) {
	fx := newTransferFixture(t)
	fx.svc.idem = contendedStore{Store: fx.idem}

	_, err := fx.svc.Transfer(context.Background(), usdt("10", "k-race"), accept)
	require.ErrorIs(t, err, model.ErrAccountBusy)
	assert.ErrorIs(t, err, idempotency.ErrInProgress)
	assert.Equal(t, 0, fx.chain.submitted())
	_, held := fx.locks.Holder(7)
	assert.False(t, held)
}
