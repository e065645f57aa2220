package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 钱包地址表（wallet_address）：每个账户在链上的托管地址及其派生路径
type WalletAddress struct {
	ID        uint64    `gorm:"primaryKey;column:id" json:"id"`
	AccountID uint64    `gorm:"column:account_id;not null;uniqueIndex:idx_account_chain" json:"account_id"`
	Chain     string    `gorm:"column:chain;type:varchar(16);not null;uniqueIndex:idx_account_chain" json:"chain"`
	Address   string    `gorm:"column:address;type:varchar(64);uniqueIndex" json:"address"`
	HDPath    string    `gorm:"column:hd_path;type:varchar(128)" json:"hd_path"`
	Status    int8      `gorm:"column:status;not null;default:0;comment:0=enabled,1=disabled" json:"status"`
	CreatedAt time.Time `gorm:"column:create_time;autoCreateTime" json:"create_time"`
}

type TransferStatus string

const (
	TransferSubmitting  TransferStatus = "submitting"
	TransferBroadcasted TransferStatus = "broadcasted"
	TransferConfirmed   TransferStatus = "confirmed"
	TransferFailed      TransferStatus = "failed"
	TransferUnknown     TransferStatus = "unknown"

	// 提交过程中断且没有交易哈希，需人工核对
	TransferUnresolved TransferStatus = "unresolved"
)

// 转账记录表（wallet_transfer）
type TransferRecord struct {
	ID             uint64          `gorm:"primaryKey;column:id" json:"id"`
	OperationID    string          `gorm:"column:operation_id;type:varchar(36);uniqueIndex" json:"operation_id"`
	AccountID      uint64          `gorm:"column:account_id;not null;index" json:"account_id"`
	Asset          Asset           `gorm:"column:asset;type:varchar(16);not null" json:"asset"`
	ToAddress      string          `gorm:"column:to_address;type:varchar(64);not null" json:"to_address"`
	Amount         decimal.Decimal `gorm:"column:amount;type:varchar(80);not null" json:"amount"`
	Fee            decimal.Decimal `gorm:"column:fee;type:varchar(80)" json:"fee"`
	ClientKey      string          `gorm:"column:client_key;type:varchar(128)" json:"-"`
	TxHash         string          `gorm:"column:tx_hash;type:varchar(80);index" json:"tx_hash"`
	Status         TransferStatus  `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	Reason         string          `gorm:"column:reason;type:varchar(255)" json:"reason,omitempty"`
	BlockNumber    uint64          `gorm:"column:block_number" json:"block_number,omitempty"`
	GasUsed        uint64          `gorm:"column:gas_used" json:"gas_used,omitempty"`
	EffectivePrice string          `gorm:"column:effective_price;type:varchar(80)" json:"effective_price_wei,omitempty"`
	CreatedAt      time.Time       `gorm:"column:create_time;autoCreateTime" json:"create_time"`
	UpdatedAt      time.Time       `gorm:"column:update_time;autoUpdateTime" json:"update_time"`
}

func (TransferRecord) TableName() string { return "wallet_transfer" }

func (WalletAddress) TableName() string { return "wallet_address" }
