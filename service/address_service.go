package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/usdt_vault/chain"
	"github.com/usdt_vault/model"
)

// ChainBSC is the chain label stored on wallet addresses.
const ChainBSC = "BSC"

type AddressStore interface {
	FindByAccount(ctx context.Context, accountID uint64, chain string) (*model.WalletAddress, error)
	Create(ctx context.Context, addr *model.WalletAddress) error
}

// AddressService maps accounts to their custodial address, provisioning the
// BIP44 address on first use. It satisfies chain.AddressResolver.
type AddressService struct {
	store  AddressStore
	signer chain.Signer
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[uint64]common.Address
}

func NewAddressService(store AddressStore, signer chain.Signer, logger *zap.Logger) *AddressService {
	return &AddressService{
		store:  store,
		signer: signer,
		logger: logger.Named("address"),
		cache:  make(map[uint64]common.Address),
	}
}

// AddressOf returns the account's address, provisioning it if needed.
func (s *AddressService) AddressOf(ctx context.Context, accountID uint64) (common.Address, error) {
	s.mu.RLock()
	addr, ok := s.cache[accountID]
	s.mu.RUnlock()
	if ok {
		return addr, nil
	}
	wa, err := s.Provision(ctx, accountID)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(wa.Address), nil
}

// Lookup returns the stored address without provisioning one.
func (s *AddressService) Lookup(ctx context.Context, accountID uint64) (*model.WalletAddress, error) {
	return s.store.FindByAccount(ctx, accountID, ChainBSC)
}

// Provision derives and stores the account's address. It is idempotent: an
// existing row is returned as is.
func (s *AddressService) Provision(ctx context.Context, accountID uint64) (*model.WalletAddress, error) {
	if accountID == 0 {
		return nil, fmt.Errorf("%w: missing account", model.ErrInvalidRequest)
	}
	existing, err := s.store.FindByAccount(ctx, accountID, ChainBSC)
	if err == nil {
		s.remember(accountID, existing)
		return existing, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("find address: %w", err)
	}

	addr, err := s.signer.Address(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("derive address: %w", err)
	}
	path, err := chain.PathFor(accountID)
	if err != nil {
		return nil, err
	}
	wa := &model.WalletAddress{
		AccountID: accountID,
		Chain:     ChainBSC,
		Address:   addr.Hex(),
		HDPath:    path,
	}
	if err := s.store.Create(ctx, wa); err != nil {
		// lost a race against a concurrent provision
		if again, ferr := s.store.FindByAccount(ctx, accountID, ChainBSC); ferr == nil {
			s.remember(accountID, again)
			return again, nil
		}
		return nil, fmt.Errorf("save address: %w", err)
	}
	s.logger.Info("address provisioned",
		zap.Uint64("account_id", accountID),
		zap.String("address", wa.Address),
		zap.String("path", path))
	s.remember(accountID, wa)
	return wa, nil
}

func (s *AddressService) remember(accountID uint64, wa *model.WalletAddress) {
	if !strings.EqualFold(wa.Chain, ChainBSC) || !chain.ValidAddress(wa.Address) {
		return
	}
	s.mu.Lock()
	s.cache[accountID] = common.HexToAddress(wa.Address)
	s.mu.Unlock()
}
