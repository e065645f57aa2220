package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/usdt_vault/lock"
	"github.com/usdt_vault/model"
)

const (
	opPlanCreate = "plan_create"
	opPlanUpdate = "plan_update"
	opPlanDelete = "plan_delete"
)

type InvestmentStore interface {
	Create(ctx context.Context, plan *model.InvestmentPlan) error
	ListByAccount(ctx context.Context, accountID uint64) ([]*model.InvestmentPlan, error)
	Get(ctx context.Context, accountID, planID uint64) (*model.InvestmentPlan, error)
	Update(ctx context.Context, plan *model.InvestmentPlan) error
	Delete(ctx context.Context, accountID, planID uint64) error
}

// PlanInput describes a new recurring investment plan.
type PlanInput struct {
	Name       string
	Amount     decimal.Decimal
	Frequency  model.Frequency
	FirstRun   time.Time
	AutoInvest bool
}

// PlanSummary is the plan list of an account with its monthly commitment.
type PlanSummary struct {
	Plans        []*model.InvestmentPlan `json:"plans"`
	MonthlyTotal decimal.Decimal         `json:"monthly_total"`
	Active       int                     `json:"active"`
}

// InvestmentService keeps the recurring investment schedules of an account.
// Plans only describe contributions; no funds move when a plan changes.
type InvestmentService struct {
	locks  lock.Table
	policy lock.Policy
	plans  InvestmentStore
	logger *zap.Logger
	now    func() time.Time
}

func NewInvestmentService(locks lock.Table, policy lock.Policy, plans InvestmentStore, logger *zap.Logger) *InvestmentService {
	return &InvestmentService{
		locks:  locks,
		policy: policy,
		plans:  plans,
		logger: logger.Named("investment"),
		now:    time.Now,
	}
}

func (s *InvestmentService) CreatePlan(ctx context.Context, accountID uint64, in PlanInput) (*model.InvestmentPlan, error) {
	in.Name = strings.TrimSpace(in.Name)
	now := s.now()
	switch {
	case accountID == 0:
		return nil, fmt.Errorf("%w: missing account", model.ErrInvalidRequest)
	case in.Name == "" || len(in.Name) > 128:
		return nil, fmt.Errorf("%w: name must be 1-128 characters", model.ErrInvalidRequest)
	case !in.Amount.IsPositive():
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrInvalidRequest)
	case !in.Frequency.Valid():
		return nil, fmt.Errorf("%w: unsupported frequency %q", model.ErrInvalidRequest, in.Frequency)
	case !in.FirstRun.IsZero() && in.FirstRun.Before(now.Truncate(24*time.Hour)):
		return nil, fmt.Errorf("%w: first contribution is in the past", model.ErrInvalidRequest)
	}
	first := in.FirstRun
	if first.IsZero() {
		first = in.Frequency.After(now)
	}
	plan := &model.InvestmentPlan{
		AccountID:        accountID,
		Name:             in.Name,
		Amount:           in.Amount,
		Frequency:        in.Frequency,
		NextContribution: first,
		AutoInvest:       in.AutoInvest,
	}
	err := withAccountLock(ctx, s.locks, s.policy, accountID, opPlanCreate, func() error {
		return s.plans.Create(ctx, plan)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("plan created",
		zap.Uint64("account_id", accountID),
		zap.Uint64("plan_id", plan.ID),
		zap.String("frequency", string(plan.Frequency)))
	return plan, nil
}

func (s *InvestmentService) ListPlans(ctx context.Context, accountID uint64) (*PlanSummary, error) {
	plans, err := s.plans.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sum := &PlanSummary{Plans: plans, MonthlyTotal: decimal.Zero}
	for _, p := range plans {
		sum.MonthlyTotal = sum.MonthlyTotal.Add(p.MonthlyEstimate())
		if p.AutoInvest {
			sum.Active++
		}
	}
	return sum, nil
}

// SetAutoInvest pauses or resumes a plan. A resumed plan whose next
// contribution already passed moves to the next date in the future.
func (s *InvestmentService) SetAutoInvest(ctx context.Context, accountID, planID uint64, enabled bool) (*model.InvestmentPlan, error) {
	return s.update(ctx, accountID, planID, func(p *model.InvestmentPlan) {
		p.AutoInvest = enabled
		if !enabled {
			return
		}
		now := s.now()
		if p.NextContribution.IsZero() {
			p.NextContribution = p.Frequency.After(now)
		}
		for !p.NextContribution.After(now) {
			p.NextContribution = p.Frequency.After(p.NextContribution)
		}
	})
}

func (s *InvestmentService) UpdateAmount(ctx context.Context, accountID, planID uint64, amount decimal.Decimal) (*model.InvestmentPlan, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrInvalidRequest)
	}
	return s.update(ctx, accountID, planID, func(p *model.InvestmentPlan) {
		p.Amount = amount
	})
}

func (s *InvestmentService) DeletePlan(ctx context.Context, accountID, planID uint64) error {
	err := withAccountLock(ctx, s.locks, s.policy, accountID, opPlanDelete, func() error {
		return s.plans.Delete(ctx, accountID, planID)
	})
	if err == nil {
		s.logger.Info("plan deleted", zap.Uint64("account_id", accountID), zap.Uint64("plan_id", planID))
	}
	return err
}

func (s *InvestmentService) update(ctx context.Context, accountID, planID uint64, change func(*model.InvestmentPlan)) (*model.InvestmentPlan, error) {
	var plan *model.InvestmentPlan
	err := withAccountLock(ctx, s.locks, s.policy, accountID, opPlanUpdate, func() error {
		p, err := s.plans.Get(ctx, accountID, planID)
		if err != nil {
			return err
		}
		change(p)
		if err := s.plans.Update(ctx, p); err != nil {
			return err
		}
		plan = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("plan updated",
		zap.Uint64("account_id", accountID),
		zap.Uint64("plan_id", planID),
		zap.Bool("auto_invest", plan.AutoInvest),
		zap.String("amount", plan.Amount.String()))
	return plan, nil
}
