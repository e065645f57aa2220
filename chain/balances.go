package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/shopspring/decimal"
)

// BalanceSource reads raw on-chain balances of custodial addresses.
type BalanceSource struct {
	client    Backend
	addresses AddressResolver
	token     Token
}

func NewBalanceSource(client Backend, addresses AddressResolver, token Token) *BalanceSource {
	return &BalanceSource{client: client, addresses: addresses, token: token}
}

func (s *BalanceSource) NativeBalance(ctx context.Context, accountID uint64) (decimal.Decimal, error) {
	addr, err := s.addresses.AddressOf(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	wei, err := s.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("BalanceAt %s: %w", addr.Hex(), err)
	}
	return FromWei(wei, NativeDecimals), nil
}

func (s *BalanceSource) StableBalance(ctx context.Context, accountID uint64) (decimal.Decimal, error) {
	addr, err := s.addresses.AddressOf(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	data, err := packBalanceOf(addr)
	if err != nil {
		return decimal.Zero, err
	}
	contract := s.token.Contract
	out, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balanceOf %s: %w", addr.Hex(), err)
	}
	raw, err := unpackBalance(out)
	if err != nil {
		return decimal.Zero, err
	}
	return FromWei(raw, s.token.Decimals), nil
}
