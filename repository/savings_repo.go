package repository

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/usdt_vault/model"
)

type SavingsRepository struct {
	db *gorm.DB
}

func NewSavingsRepository(db *gorm.DB) *SavingsRepository {
	return &SavingsRepository{db: db}
}

func (r *SavingsRepository) Create(ctx context.Context, goal *model.SavingsGoal) error {
	return r.db.WithContext(ctx).Create(goal).Error
}

func (r *SavingsRepository) ListByAccount(ctx context.Context, accountID uint64) ([]*model.SavingsGoal, error) {
	var list []*model.SavingsGoal
	err := r.db.WithContext(ctx).Where("account_id=?", accountID).Order("id asc").Find(&list).Error
	return list, err
}

// Get loads a goal owned by accountID; goals of other accounts are not found.
func (r *SavingsRepository) Get(ctx context.Context, accountID, goalID uint64) (*model.SavingsGoal, error) {
	var goal model.SavingsGoal
	if err := r.db.WithContext(ctx).Where("id=? AND account_id=?", goalID, accountID).First(&goal).Error; err != nil {
		return nil, notFound(err)
	}
	return &goal, nil
}

func (r *SavingsRepository) UpdateCurrent(ctx context.Context, goal *model.SavingsGoal) error {
	res := r.db.WithContext(ctx).Model(&model.SavingsGoal{}).
		Where("id=? AND account_id=?", goal.ID, goal.AccountID).
		Update("current", goal.Current)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *SavingsRepository) UpdateAutoSave(ctx context.Context, goal *model.SavingsGoal) error {
	res := r.db.WithContext(ctx).Model(&model.SavingsGoal{}).
		Where("id=? AND account_id=?", goal.ID, goal.AccountID).
		Updates(map[string]interface{}{
			"auto_save_enabled":   goal.AutoSaveEnabled,
			"auto_save_amount":    goal.AutoSaveAmount,
			"auto_save_frequency": goal.AutoSaveFrequency,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *SavingsRepository) Delete(ctx context.Context, accountID, goalID uint64) error {
	res := r.db.WithContext(ctx).Where("id=? AND account_id=?", goalID, accountID).Delete(&model.SavingsGoal{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// SumCommitted is the amount an account has locked in savings. Amounts are
// stored as text, so the sum is taken here rather than in SQL.
func (r *SavingsRepository) SumCommitted(ctx context.Context, accountID uint64) (decimal.Decimal, error) {
	var currents []decimal.Decimal
	if err := r.db.WithContext(ctx).Model(&model.SavingsGoal{}).
		Where("account_id=?", accountID).
		Pluck("current", &currents).Error; err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, c := range currents {
		if c.IsPositive() {
			sum = sum.Add(c)
		}
	}
	return sum, nil
}
