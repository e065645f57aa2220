package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/usdt_vault/model"
)

type InvestmentRepository struct {
	db *gorm.DB
}

func NewInvestmentRepository(db *gorm.DB) *InvestmentRepository {
	return &InvestmentRepository{db: db}
}

func (r *InvestmentRepository) Create(ctx context.Context, plan *model.InvestmentPlan) error {
	return r.db.WithContext(ctx).Create(plan).Error
}

// ListByAccount returns the newest plans first.
func (r *InvestmentRepository) ListByAccount(ctx context.Context, accountID uint64) ([]*model.InvestmentPlan, error) {
	var list []*model.InvestmentPlan
	err := r.db.WithContext(ctx).Where("account_id=?", accountID).Order("id desc").Find(&list).Error
	return list, err
}

func (r *InvestmentRepository) Get(ctx context.Context, accountID, planID uint64) (*model.InvestmentPlan, error) {
	var plan model.InvestmentPlan
	if err := r.db.WithContext(ctx).Where("id=? AND account_id=?", planID, accountID).First(&plan).Error; err != nil {
		return nil, notFound(err)
	}
	return &plan, nil
}

func (r *InvestmentRepository) Update(ctx context.Context, plan *model.InvestmentPlan) error {
	res := r.db.WithContext(ctx).Model(&model.InvestmentPlan{}).
		Where("id=? AND account_id=?", plan.ID, plan.AccountID).
		Updates(map[string]interface{}{
			"amount":            plan.Amount,
			"auto_invest":       plan.AutoInvest,
			"next_contribution": plan.NextContribution,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *InvestmentRepository) Delete(ctx context.Context, accountID, planID uint64) error {
	res := r.db.WithContext(ctx).Where("id=? AND account_id=?", planID, accountID).Delete(&model.InvestmentPlan{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}
