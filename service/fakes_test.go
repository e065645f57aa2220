package service

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"github.com/usdt_vault/balance"
	"github.com/usdt_vault/idempotency"
	"github.com/usdt_vault/lock"
	"github.com/usdt_vault/model"
)

const testTo = "0x1111111111111111111111111111111111111111"

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeChain is the balance reader and the executor at once, so a submitted
// transfer debits the balances the next snapshot reports.
type fakeChain struct {
	mu sync.Mutex

	stable  decimal.Decimal
	native  decimal.Decimal
	locked  decimal.Decimal
	snapErr error

	submits   int
	submitErr error
	await     func(ctx context.Context, hash common.Hash) (*model.SettlementOutcome, error)
}

func (c *fakeChain) Snapshot(_ context.Context, _ uint64) (*balance.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapErr != nil {
		return nil, c.snapErr
	}
	return &balance.Snapshot{
		Stable:    c.stable,
		Native:    c.native,
		Locked:    c.locked,
		Available: balance.Available(c.stable, c.locked),
		TakenAt:   time.Now(),
	}, nil
}

func (c *fakeChain) Submit(_ context.Context, req model.TransferRequest, quote *model.FeeQuote) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	if c.submitErr != nil && !isUnknown(c.submitErr) {
		return common.Hash{}, c.submitErr
	}
	hash := common.BigToHash(big.NewInt(int64(c.submits)))
	if req.Asset == model.AssetNative {
		c.native = c.native.Sub(req.Amount).Sub(quote.TotalFee)
	} else {
		c.stable = c.stable.Sub(req.Amount)
		c.native = c.native.Sub(quote.TotalFee)
	}
	return hash, c.submitErr
}

func (c *fakeChain) Await(ctx context.Context, hash common.Hash) (*model.SettlementOutcome, error) {
	c.mu.Lock()
	await := c.await
	c.mu.Unlock()
	if await != nil {
		return await(ctx, hash)
	}
	block, gas := uint64(100), uint64(52000)
	return &model.SettlementOutcome{
		TxHash:         hash.Hex(),
		Status:         model.SettlementSuccess,
		BlockNumber:    &block,
		GasUsed:        &gas,
		EffectivePrice: big.NewInt(1_000_000_000),
		SettledAt:      time.Now(),
	}, nil
}

func (c *fakeChain) submitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits
}

func (c *fakeChain) set(fn func(c *fakeChain)) {
	c.mu.Lock()
	fn(c)
	c.mu.Unlock()
}

func isUnknown(err error) bool {
	return errors.Is(err, model.ErrSettlementUnknown)
}

type fakeFees struct {
	mu    sync.Mutex
	fees  []decimal.Decimal
	err   error
	calls int
	now   func() time.Time
}

func (f *fakeFees) Estimate(_ context.Context, _ model.TransferRequest) (*model.FeeQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls - 1
	if i >= len(f.fees) {
		i = len(f.fees) - 1
	}
	now := time.Now
	if f.now != nil {
		now = f.now
	}
	return &model.FeeQuote{
		GasUnits:     52000,
		UnitPrice:    big.NewInt(1_000_000_000),
		TotalFee:     f.fees[i],
		TotalFeeFiat: f.fees[i].Mul(dec("300")).Round(2),
		QuotedAt:     now(),
	}, nil
}

func (f *fakeFees) set(fn func(f *fakeFees)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

type fakeRecords struct {
	mu        sync.Mutex
	byOp      map[string]*model.TransferRecord
	createErr error
	nextID    uint64
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{byOp: make(map[string]*model.TransferRecord)}
}

func (r *fakeRecords) Create(_ context.Context, rec *model.TransferRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.nextID++
	rec.ID = r.nextID
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	cp := *rec
	r.byOp[rec.OperationID] = &cp
	return nil
}

func (r *fakeRecords) Update(_ context.Context, rec *model.TransferRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.UpdatedAt = time.Now()
	cp := *rec
	r.byOp[rec.OperationID] = &cp
	return nil
}

func (r *fakeRecords) ListByStatus(_ context.Context, status model.TransferStatus, limit int) ([]*model.TransferRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.TransferRecord
	for _, rec := range r.byOp {
		if rec.Status == status {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRecords) ListByAccount(_ context.Context, accountID uint64, page, size int) ([]*model.TransferRecord, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.TransferRecord
	for _, rec := range r.byOp {
		if rec.AccountID == accountID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := int64(len(out))
	start := (page - 1) * size
	if start >= len(out) {
		return nil, total, nil
	}
	end := start + size
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], total, nil
}

func (r *fakeRecords) get(operationID string) *model.TransferRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byOp[operationID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (r *fakeRecords) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byOp)
}

type transferFixture struct {
	chain   *fakeChain
	fees    *fakeFees
	records *fakeRecords
	locks   *lock.MemoryTable
	idem    *idempotency.MemoryStore
	clock   *fakeClock
	svc     *TransferService
}

func testLockPolicy() lock.Policy {
	return lock.Policy{
		TTL:          5 * time.Second,
		MaxAttempts:  50,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
	}
}

// newTransferFixture starts with 100 USDT of which 40 is saved, and 1 BNB.
func newTransferFixture(t *testing.T) *transferFixture {
	t.Helper()
	clock := newFakeClock()
	fx := &transferFixture{
		chain:   &fakeChain{stable: dec("100"), native: dec("1"), locked: dec("40")},
		fees:    &fakeFees{fees: []decimal.Decimal{dec("0.0001")}, now: clock.Now},
		records: newFakeRecords(),
		locks:   lock.NewMemoryTable(),
		idem:    idempotency.NewMemoryStore(idempotency.DefaultOptions()),
		clock:   clock,
	}
	opts := TransferOptions{
		LockPolicy:  testLockPolicy(),
		QuoteTTL:    30 * time.Second,
		CallTimeout: 5 * time.Second,
	}
	fx.svc = NewTransferService(fx.locks, fx.idem, fx.chain, fx.fees, fx.chain, fx.records, opts, zaptest.NewLogger(t))
	fx.svc.now = clock.Now
	return fx
}

func usdt(amount, key string) model.TransferRequest {
	return model.TransferRequest{
		AccountID: 7,
		Asset:     model.AssetStable,
		To:        testTo,
		Amount:    dec(amount),
		ClientKey: key,
	}
}
