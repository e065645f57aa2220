package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/usdt_vault/model"
)

// NativeTransferGas is the fixed cost of a plain value transfer.
const NativeTransferGas = uint64(21000)

// FeeEstimator quotes the gas cost of a transfer from the node's current estimate.
type FeeEstimator struct {
	client         Backend
	addresses      AddressResolver
	token          Token
	nativePriceUSD decimal.Decimal
	now            func() time.Time
}

func NewFeeEstimator(client Backend, addresses AddressResolver, token Token, nativePriceUSD decimal.Decimal) *FeeEstimator {
	return &FeeEstimator{
		client:         client,
		addresses:      addresses,
		token:          token,
		nativePriceUSD: nativePriceUSD,
		now:            time.Now,
	}
}

// Estimate returns a fresh quote or an error wrapping model.ErrQuoteUnavailable.
// Malformed requests fail with model.ErrInvalidRequest instead.
func (f *FeeEstimator) Estimate(ctx context.Context, req model.TransferRequest) (*model.FeeQuote, error) {
	from, err := f.addresses.AddressOf(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve sender: %v", model.ErrQuoteUnavailable, err)
	}
	msg, err := f.token.callFor(from, req)
	if err != nil {
		if errors.Is(err, model.ErrInvalidRequest) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrQuoteUnavailable, err)
	}

	gas, err := f.client.EstimateGas(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: estimate gas: %v", model.ErrQuoteUnavailable, err)
	}
	if req.Asset == model.AssetNative && gas < NativeTransferGas {
		gas = NativeTransferGas
	}
	price, err := f.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", model.ErrQuoteUnavailable, err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: node returned gas price %v", model.ErrQuoteUnavailable, price)
	}

	total := FromWei(new(big.Int).Mul(price, new(big.Int).SetUint64(gas)), NativeDecimals)
	return &model.FeeQuote{
		GasUnits:     gas,
		UnitPrice:    price,
		TotalFee:     total,
		TotalFeeFiat: total.Mul(f.nativePriceUSD).Round(2),
		QuotedAt:     f.now(),
	}, nil
}
