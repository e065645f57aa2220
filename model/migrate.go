package model

import "gorm.io/gorm"

// helper: create tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&WalletAddress{}, &TransferRecord{}, &SavingsGoal{}, &InvestmentPlan{})
}
