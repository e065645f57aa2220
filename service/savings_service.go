package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/usdt_vault/lock"
	"github.com/usdt_vault/metrics"
	"github.com/usdt_vault/model"
)

const (
	opSavingsDeposit  = "savings_deposit"
	opSavingsWithdraw = "savings_withdraw"
	opSavingsDelete   = "savings_delete"
	opSavingsAutoSave = "savings_auto_save"
)

type SavingsStore interface {
	Create(ctx context.Context, goal *model.SavingsGoal) error
	ListByAccount(ctx context.Context, accountID uint64) ([]*model.SavingsGoal, error)
	Get(ctx context.Context, accountID, goalID uint64) (*model.SavingsGoal, error)
	UpdateCurrent(ctx context.Context, goal *model.SavingsGoal) error
	UpdateAutoSave(ctx context.Context, goal *model.SavingsGoal) error
	Delete(ctx context.Context, accountID, goalID uint64) error
}

// SavingsService moves USDT in and out of savings goals. Money never leaves
// the custodial address; a goal only changes how much of it is locked.
// Mutations take the account lock so they cannot interleave with a transfer.
type SavingsService struct {
	locks       lock.Table
	policy      lock.Policy
	callTimeout time.Duration
	goals       SavingsStore
	ledger      BalanceReader
	logger      *zap.Logger
}

func NewSavingsService(locks lock.Table, policy lock.Policy, callTimeout time.Duration, goals SavingsStore, ledger BalanceReader, logger *zap.Logger) *SavingsService {
	return &SavingsService{
		locks:       locks,
		policy:      policy,
		callTimeout: callTimeout,
		goals:       goals,
		ledger:      ledger,
		logger:      logger.Named("savings"),
	}
}

func (s *SavingsService) CreateGoal(ctx context.Context, accountID uint64, title string, target decimal.Decimal, deadline time.Time) (*model.SavingsGoal, error) {
	title = strings.TrimSpace(title)
	switch {
	case accountID == 0:
		return nil, fmt.Errorf("%w: missing account", model.ErrInvalidRequest)
	case title == "" || len(title) > 128:
		return nil, fmt.Errorf("%w: title must be 1-128 characters", model.ErrInvalidRequest)
	case !target.IsPositive():
		return nil, fmt.Errorf("%w: target must be positive", model.ErrInvalidRequest)
	}
	goal := &model.SavingsGoal{
		AccountID: accountID,
		Title:     title,
		Target:    target,
		Current:   decimal.Zero,
		Deadline:  deadline,
	}
	if err := s.goals.Create(ctx, goal); err != nil {
		return nil, fmt.Errorf("create goal: %w", err)
	}
	s.logger.Info("goal created", zap.Uint64("account_id", accountID), zap.Uint64("goal_id", goal.ID))
	return goal, nil
}

func (s *SavingsService) ListGoals(ctx context.Context, accountID uint64) ([]*model.SavingsGoal, error) {
	return s.goals.ListByAccount(ctx, accountID)
}

// Deposit commits amount of the available balance to a goal.
func (s *SavingsService) Deposit(ctx context.Context, accountID, goalID uint64, amount decimal.Decimal) (*model.SavingsGoal, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrInvalidRequest)
	}
	var goal *model.SavingsGoal
	err := s.locked(ctx, accountID, opSavingsDeposit, func() error {
		g, err := s.goals.Get(ctx, accountID, goalID)
		if err != nil {
			return err
		}
		sctx, cancel := callContext(ctx, s.callTimeout)
		snap, err := s.ledger.Snapshot(sctx, accountID)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrBalanceUnavailable, err)
		}
		if amount.GreaterThan(snap.Available) {
			return fmt.Errorf("%w: requested %s, available %s", model.ErrInsufficientAvailableBalance, amount, snap.Available)
		}
		g.Current = g.Current.Add(amount)
		if err := s.goals.UpdateCurrent(ctx, g); err != nil {
			return err
		}
		goal = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("savings deposit",
		zap.Uint64("account_id", accountID),
		zap.Uint64("goal_id", goalID),
		zap.String("amount", amount.String()))
	return goal, nil
}

// Withdraw releases amount from a goal back to the available balance.
func (s *SavingsService) Withdraw(ctx context.Context, accountID, goalID uint64, amount decimal.Decimal) (*model.SavingsGoal, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrInvalidRequest)
	}
	var goal *model.SavingsGoal
	err := s.locked(ctx, accountID, opSavingsWithdraw, func() error {
		g, err := s.goals.Get(ctx, accountID, goalID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(g.Current) {
			return fmt.Errorf("%w: requested %s, saved %s", model.ErrInsufficientSavings, amount, g.Current)
		}
		g.Current = g.Current.Sub(amount)
		if err := s.goals.UpdateCurrent(ctx, g); err != nil {
			return err
		}
		goal = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("savings withdraw",
		zap.Uint64("account_id", accountID),
		zap.Uint64("goal_id", goalID),
		zap.String("amount", amount.String()))
	return goal, nil
}

// SetAutoSave stores the recurring deposit setting of a goal. Disabling it
// clears amount and frequency.
func (s *SavingsService) SetAutoSave(ctx context.Context, accountID, goalID uint64, as model.AutoSave) (*model.SavingsGoal, error) {
	if as.Enabled {
		switch {
		case !as.Amount.IsPositive():
			return nil, fmt.Errorf("%w: auto-save amount must be positive", model.ErrInvalidRequest)
		case !as.Frequency.Valid():
			return nil, fmt.Errorf("%w: unsupported frequency %q", model.ErrInvalidRequest, as.Frequency)
		}
	}
	var goal *model.SavingsGoal
	err := s.locked(ctx, accountID, opSavingsAutoSave, func() error {
		g, err := s.goals.Get(ctx, accountID, goalID)
		if err != nil {
			return err
		}
		g.AutoSaveEnabled = as.Enabled
		g.AutoSaveAmount = decimal.NullDecimal{}
		g.AutoSaveFrequency = ""
		if as.Enabled {
			g.AutoSaveAmount = decimal.NewNullDecimal(as.Amount)
			g.AutoSaveFrequency = as.Frequency
		}
		if err := s.goals.UpdateAutoSave(ctx, g); err != nil {
			return err
		}
		goal = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("auto-save updated",
		zap.Uint64("account_id", accountID),
		zap.Uint64("goal_id", goalID),
		zap.Bool("enabled", as.Enabled))
	return goal, nil
}

// DeleteGoal removes a goal; whatever it held becomes available again.
func (s *SavingsService) DeleteGoal(ctx context.Context, accountID, goalID uint64) error {
	return s.locked(ctx, accountID, opSavingsDelete, func() error {
		return s.goals.Delete(ctx, accountID, goalID)
	})
}

func (s *SavingsService) locked(ctx context.Context, accountID uint64, operation string, fn func() error) error {
	return withAccountLock(ctx, s.locks, s.policy, accountID, operation, fn)
}

// withAccountLock runs fn while holding the account lock.
func withAccountLock(ctx context.Context, locks lock.Table, policy lock.Policy, accountID uint64, operation string, fn func() error) error {
	lease, err := lock.Acquire(ctx, locks, accountID, operation, policy)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			metrics.LockBusyTotal.WithLabelValues(operation).Inc()
			return model.ErrAccountBusy
		}
		return fmt.Errorf("%w: %v", model.ErrAccountBusy, err)
	}
	defer lease.Release()
	return fn()
}

func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
