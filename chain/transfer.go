package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/usdt_vault/model"
)

// AddressResolver maps an account to its custodial address.
type AddressResolver interface {
	AddressOf(ctx context.Context, accountID uint64) (common.Address, error)
}

// Token describes the stable token contract.
type Token struct {
	Contract common.Address
	Decimals int32
}

// callFor builds the message a transfer sends: a plain value transfer for the
// native coin, an ERC20 transfer call for the token.
func (t Token) callFor(from common.Address, req model.TransferRequest) (ethereum.CallMsg, error) {
	if !ValidAddress(req.To) {
		return ethereum.CallMsg{}, fmt.Errorf("%w: bad recipient %q", model.ErrInvalidRequest, req.To)
	}
	to := common.HexToAddress(req.To)

	switch req.Asset {
	case model.AssetNative:
		value, err := ToWei(req.Amount, NativeDecimals)
		if err != nil {
			return ethereum.CallMsg{}, fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
		}
		return ethereum.CallMsg{From: from, To: &to, Value: value}, nil
	case model.AssetStable:
		value, err := ToWei(req.Amount, t.Decimals)
		if err != nil {
			return ethereum.CallMsg{}, fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
		}
		data, err := packTransfer(to, value)
		if err != nil {
			return ethereum.CallMsg{}, err
		}
		contract := t.Contract
		return ethereum.CallMsg{From: from, To: &contract, Value: new(big.Int), Data: data}, nil
	default:
		return ethereum.CallMsg{}, fmt.Errorf("%w: unsupported asset %q", model.ErrInvalidRequest, req.Asset)
	}
}
