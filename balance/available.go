// Package balance derives what an account may actually spend.
package balance

import "github.com/shopspring/decimal"

// Available is the spendable stable-token balance: raw on-chain holdings minus
// what is committed to savings goals, floored at zero. Display and transfer
// validation both go through this function.
func Available(raw, locked decimal.Decimal) decimal.Decimal {
	if locked.IsNegative() {
		locked = decimal.Zero
	}
	a := raw.Sub(locked)
	if a.IsNegative() {
		return decimal.Zero
	}
	return a
}
