package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/usdt_vault/lock"
	"github.com/usdt_vault/model"
)

type fakePlans struct {
	mu     sync.Mutex
	plans  map[uint64]*model.InvestmentPlan
	nextID uint64
}

func newFakePlans() *fakePlans {
	return &fakePlans{plans: make(map[uint64]*model.InvestmentPlan)}
}

func (f *fakePlans) Create(_ context.Context, plan *model.InvestmentPlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	plan.ID = f.nextID
	cp := *plan
	f.plans[plan.ID] = &cp
	return nil
}

func (f *fakePlans) ListByAccount(_ context.Context, accountID uint64) ([]*model.InvestmentPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.InvestmentPlan
	for _, p := range f.plans {
		if p.AccountID == accountID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakePlans) Get(_ context.Context, accountID, planID uint64) (*model.InvestmentPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[planID]
	if !ok || p.AccountID != accountID {
		return nil, model.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePlans) Update(_ context.Context, plan *model.InvestmentPlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[plan.ID]
	if !ok || p.AccountID != plan.AccountID {
		return model.ErrNotFound
	}
	cp := *plan
	f.plans[plan.ID] = &cp
	return nil
}

func (f *fakePlans) Delete(_ context.Context, accountID, planID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[planID]
	if !ok || p.AccountID != accountID {
		return model.ErrNotFound
	}
	delete(f.plans, planID)
	return nil
}

func newInvestmentFixture(t *testing.T) (*InvestmentService, *lock.MemoryTable, *fakeClock) {
	t.Helper()
	locks := lock.NewMemoryTable()
	clock := newFakeClock()
	svc := NewInvestmentService(locks, testLockPolicy(), newFakePlans(), zaptest.NewLogger(t))
	svc.now = clock.Now
	return svc, locks, clock
}

func TestInvestment_CreateAndSummarize(t *testing.T) {
	svc, _, clock := newInvestmentFixture(t)
	ctx := context.Background()

	daily, err := svc.CreatePlan(ctx, 7, PlanInput{Name: " Daily DCA ", Amount: dec("10"), Frequency: model.FrequencyDaily, AutoInvest: true})
	require.NoError(t, err)
	assert.Equal(t, "Daily DCA", daily.Name)
	assert.Equal(t, clock.Now().AddDate(0, 0, 1), daily.NextContribution)

	_, err = svc.CreatePlan(ctx, 7, PlanInput{Name: "Weekly", Amount: dec("25"), Frequency: model.FrequencyWeekly})
	require.NoError(t, err)
	_, err = svc.CreatePlan(ctx, 7, PlanInput{Name: "Monthly", Amount: dec("100"), Frequency: model.FrequencyMonthly, FirstRun: clock.Now().AddDate(0, 0, 3)})
	require.NoError(t, err)

	sum, err := svc.ListPlans(ctx, 7)
	require.NoError(t, err)
	require.Len(t, sum.Plans, 3)
	assert.Equal(t, "Monthly", sum.Plans[0].Name)
	// 10*30 + 25*4 + 100
	assert.True(t, sum.MonthlyTotal.Equal(dec("500")), sum.MonthlyTotal.String())
	assert.Equal(t, 1, sum.Active)

	empty, err := svc.ListPlans(ctx, 8)
	require.NoError(t, err)
	assert.True(t, empty.MonthlyTotal.IsZero())
}

func TestInvestment_CreateRejectsInvalidInput(t *testing.T) {
	svc, _, clock := newInvestmentFixture(t)
	ctx := context.Background()

	for name, in := range map[string]PlanInput{
		"no name":       {Amount: dec("1"), Frequency: model.FrequencyDaily},
		"zero amount":   {Name: "x", Amount: dec("0"), Frequency: model.FrequencyDaily},
		"bad frequency": {Name: "x", Amount: dec("1"), Frequency: "yearly"},
		"past start":    {Name: "x", Amount: dec("1"), Frequency: model.FrequencyDaily, FirstRun: clock.Now().AddDate(0, 0, -2)},
	} {
		_, err := svc.CreatePlan(ctx, 7, in)
		assert.ErrorIs(t, err, model.ErrInvalidRequest, name)
	}
	_, err := svc.CreatePlan(ctx, 0, PlanInput{Name: "x", Amount: dec("1"), Frequency: model.FrequencyDaily})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestInvestment_PauseResumeAndEdit(t *testing.T) {
	svc, _, clock := newInvestmentFixture(t)
	ctx := context.Background()

	plan, err := svc.CreatePlan(ctx, 7, PlanInput{Name: "Weekly", Amount: dec("25"), Frequency: model.FrequencyWeekly, AutoInvest: true})
	require.NoError(t, err)
	next := plan.NextContribution

	paused, err := svc.SetAutoInvest(ctx, 7, plan.ID, false)
	require.NoError(t, err)
	assert.False(t, paused.AutoInvest)
	assert.Equal(t, next, paused.NextContribution)

	// three weeks later the missed dates are skipped, not caught up
	clock.Advance(21 * 24 * time.Hour)
	resumed, err := svc.SetAutoInvest(ctx, 7, plan.ID, true)
	require.NoError(t, err)
	assert.True(t, resumed.AutoInvest)
	assert.True(t, resumed.NextContribution.After(clock.Now()))
	assert.False(t, resumed.NextContribution.After(clock.Now().AddDate(0, 0, 7)))

	edited, err := svc.UpdateAmount(ctx, 7, plan.ID, dec("40"))
	require.NoError(t, err)
	assert.True(t, edited.Amount.Equal(dec("40")))
	assert.True(t, edited.AutoInvest)

	_, err = svc.UpdateAmount(ctx, 7, plan.ID, dec("-1"))
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
	_, err = svc.SetAutoInvest(ctx, 8, plan.ID, true)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestInvestment_DeleteAndAccountLock(t *testing.T) {
	svc, locks, _ := newInvestmentFixture(t)
	ctx := context.Background()

	plan, err := svc.CreatePlan(ctx, 7, PlanInput{Name: "Daily", Amount: dec("1"), Frequency: model.FrequencyDaily})
	require.NoError(t, err)

	token, ok, err := locks.TryAcquire(ctx, 7, opTransfer, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = svc.UpdateAmount(ctx, 7, plan.ID, dec("2"))
	assert.ErrorIs(t, err, model.ErrAccountBusy)
	require.NoError(t, locks.Release(ctx, 7, token))

	require.NoError(t, svc.DeletePlan(ctx, 7, plan.ID))
	assert.ErrorIs(t, svc.DeletePlan(ctx, 7, plan.ID), model.ErrNotFound)
}
