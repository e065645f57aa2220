// Package chain talks to BNB Smart Chain: balances, gas quotes, signing,
// broadcasting and settlement of custodial transfers.
package chain

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of BNB.
const NativeDecimals = 18

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress accepts only 0x-prefixed 40 hex digit addresses.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s) && common.IsHexAddress(s)
}

// FromWei converts an integer amount in the smallest unit into a decimal amount.
func FromWei(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// FitsDecimals reports whether amount is a whole number of smallest units.
func FitsDecimals(amount decimal.Decimal, decimals int32) bool {
	shifted := amount.Shift(decimals)
	return shifted.Equal(shifted.Truncate(0))
}

// ToWei converts a decimal amount into the smallest unit. Amounts finer than
// the token precision are rejected rather than rounded.
func ToWei(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if !FitsDecimals(amount, decimals) {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", amount, decimals)
	}
	return amount.Shift(decimals).BigInt(), nil
}
