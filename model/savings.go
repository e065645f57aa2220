package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Frequency is the cadence of a recurring contribution.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// PerMonth is the number of contributions counted in a month.
func (f Frequency) PerMonth() int64 {
	switch f {
	case FrequencyDaily:
		return 30
	case FrequencyWeekly:
		return 4
	case FrequencyMonthly:
		return 1
	}
	return 0
}

// After returns the contribution that follows t.
func (f Frequency) After(t time.Time) time.Time {
	switch f {
	case FrequencyDaily:
		return t.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return t.AddDate(0, 0, 7)
	}
	return t.AddDate(0, 0, 30)
}

// AutoSave is the recurring deposit setting of a goal. Only the setting is
// stored; contributions are made through Deposit.
type AutoSave struct {
	Enabled   bool
	Amount    decimal.Decimal
	Frequency Frequency
}

// 储蓄目标表（savings_goal）：Current 部分的余额被锁定，不可转出
type SavingsGoal struct {
	ID                uint64              `gorm:"primaryKey;column:id" json:"id"`
	AccountID         uint64              `gorm:"column:account_id;not null;index" json:"account_id"`
	Title             string              `gorm:"column:title;type:varchar(128);not null" json:"title"`
	Target            decimal.Decimal     `gorm:"column:target;type:varchar(80);not null" json:"target"`
	Current           decimal.Decimal     `gorm:"column:current;type:varchar(80);not null" json:"current"`
	Deadline          time.Time           `gorm:"column:deadline" json:"deadline"`
	AutoSaveEnabled   bool                `gorm:"column:auto_save_enabled;not null" json:"auto_save_enabled"`
	AutoSaveAmount    decimal.NullDecimal `gorm:"column:auto_save_amount;type:varchar(80)" json:"auto_save_amount"`
	AutoSaveFrequency Frequency           `gorm:"column:auto_save_frequency;type:varchar(16)" json:"auto_save_frequency,omitempty"`
	CreatedAt         time.Time           `gorm:"column:create_time;autoCreateTime" json:"create_time"`
	UpdatedAt         time.Time           `gorm:"column:update_time;autoUpdateTime" json:"update_time"`
}

func (SavingsGoal) TableName() string { return "savings_goal" }

// Progress returns completion in percent, capped at 100.
func (g *SavingsGoal) Progress() decimal.Decimal {
	if !g.Target.IsPositive() {
		return decimal.Zero
	}
	p := g.Current.Div(g.Target).Mul(decimal.NewFromInt(100))
	return decimal.Min(p, decimal.NewFromInt(100)).Round(1)
}
