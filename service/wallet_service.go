package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/usdt_vault/balance"
	"github.com/usdt_vault/chain"
	"github.com/usdt_vault/model"
)

type TransferLister interface {
	ListByAccount(ctx context.Context, accountID uint64, page, size int) ([]*model.TransferRecord, int64, error)
}

type HistorySource interface {
	History(ctx context.Context, address common.Address, limit int) ([]chain.ExplorerTx, error)
}

type WalletService struct {
	addresses      *AddressService
	ledger         BalanceReader
	transfers      TransferLister
	explorer       HistorySource
	nativePriceUSD decimal.Decimal
}

func NewWalletService(addresses *AddressService, ledger BalanceReader, transfers TransferLister,
	explorer HistorySource, nativePriceUSD decimal.Decimal) *WalletService {
	return &WalletService{
		addresses:      addresses,
		ledger:         ledger,
		transfers:      transfers,
		explorer:       explorer,
		nativePriceUSD: nativePriceUSD,
	}
}

// BalanceView is the account balance as shown to the user.
type BalanceView struct {
	Address string `json:"address"`
	balance.Snapshot
	TotalUSD decimal.Decimal `json:"total_usd"`
}

// 查询账户余额
func (s *WalletService) Balance(ctx context.Context, accountID uint64) (*BalanceView, error) {
	addr, err := s.addresses.AddressOf(ctx, accountID)
	if err != nil {
		return nil, err
	}
	snap, err := s.ledger.Snapshot(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrBalanceUnavailable, err)
	}
	return &BalanceView{
		Address:  addr.Hex(),
		Snapshot: *snap,
		TotalUSD: snap.Stable.Add(snap.Native.Mul(s.nativePriceUSD)).Round(2),
	}, nil
}

// 查询充值地址
func (s *WalletService) DepositAddress(ctx context.Context, accountID uint64) (*model.WalletAddress, error) {
	return s.addresses.Lookup(ctx, accountID)
}

// 申请充值地址
func (s *WalletService) CreateDepositAddress(ctx context.Context, accountID uint64) (*model.WalletAddress, error) {
	return s.addresses.Provision(ctx, accountID)
}

// 查询转账记录
func (s *WalletService) TransferHistory(ctx context.Context, accountID uint64, page, size int) ([]*model.TransferRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	return s.transfers.ListByAccount(ctx, accountID, page, size)
}

// 查询链上交易
func (s *WalletService) ChainHistory(ctx context.Context, accountID uint64, limit int) ([]chain.ExplorerTx, error) {
	if s.explorer == nil {
		return nil, fmt.Errorf("%w: explorer not configured", model.ErrNotFound)
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}
	addr, err := s.addresses.AddressOf(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.explorer.History(ctx, addr, limit)
}
