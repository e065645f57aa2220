package model

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Asset identifies what a transfer moves.
type Asset string

const (
	AssetStable Asset = "USDT" // BEP20 stable token
	AssetNative Asset = "BNB"  // gas coin
)

func (a Asset) Valid() bool {
	return a == AssetStable || a == AssetNative
}

// TransferRequest is one wallet-affecting send, scoped to a single request.
type TransferRequest struct {
	AccountID uint64          `json:"account_id"`
	Asset     Asset           `json:"asset"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	ClientKey string          `json:"-"`
}

// FeeQuote prices the gas of a transfer. It is only valid for the request it was quoted for.
type FeeQuote struct {
	GasUnits     uint64          `json:"gas_units"`
	UnitPrice    *big.Int        `json:"unit_price_wei"`
	TotalFee     decimal.Decimal `json:"total_fee"`
	TotalFeeFiat decimal.Decimal `json:"total_fee_usd"`
	QuotedAt     time.Time       `json:"quoted_at"`
}

// Expired reports whether the quote is older than ttl at now.
func (q *FeeQuote) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(q.QuotedAt) > ttl
}

type SettlementStatus string

const (
	SettlementSuccess SettlementStatus = "success"
	SettlementFailed  SettlementStatus = "failed"
)

// SettlementOutcome is written once per executed transfer and never mutated.
type SettlementOutcome struct {
	TxHash         string           `json:"tx_hash"`
	Status         SettlementStatus `json:"status"`
	Reason         string           `json:"reason,omitempty"`
	BlockNumber    *uint64          `json:"block_number,omitempty"`
	GasUsed        *uint64          `json:"gas_used,omitempty"`
	EffectivePrice *big.Int         `json:"effective_price_wei,omitempty"`
	SettledAt      time.Time        `json:"settled_at"`
}

// ReasonUnconfirmed marks an outcome whose broadcast may have landed but whose
// receipt was never observed.
const ReasonUnconfirmed = "unconfirmed"

func (o *SettlementOutcome) Unconfirmed() bool {
	return o.Status == SettlementFailed && o.Reason == ReasonUnconfirmed
}
