package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 定投计划表（investment_plan）：AutoInvest 为 false 表示暂停
type InvestmentPlan struct {
	ID               uint64          `gorm:"primaryKey;column:id" json:"id"`
	AccountID        uint64          `gorm:"column:account_id;not null;index" json:"account_id"`
	Name             string          `gorm:"column:name;type:varchar(128);not null" json:"name"`
	Amount           decimal.Decimal `gorm:"column:amount;type:varchar(80);not null" json:"amount"`
	Frequency        Frequency       `gorm:"column:frequency;type:varchar(16);not null" json:"frequency"`
	NextContribution time.Time       `gorm:"column:next_contribution" json:"next_contribution"`
	AutoInvest       bool            `gorm:"column:auto_invest;not null" json:"auto_invest"`
	CreatedAt        time.Time       `gorm:"column:create_time;autoCreateTime" json:"create_time"`
	UpdatedAt        time.Time       `gorm:"column:update_time;autoUpdateTime" json:"update_time"`
}

func (InvestmentPlan) TableName() string { return "investment_plan" }

// MonthlyEstimate is what the plan contributes in a month at its frequency.
func (p *InvestmentPlan) MonthlyEstimate() decimal.Decimal {
	return p.Amount.Mul(decimal.NewFromInt(p.Frequency.PerMonth()))
}
