package decision

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	USDCDecimals  = 6
	TokenDecimals = 18
)

// ToAtomic scales a whole-unit amount to atomic units, rounding down.
func ToAtomic(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Floor().BigInt()
}

func FromAtomic(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

func FormatUSDC(v *big.Int) string {
	return FromAtomic(v, USDCDecimals).StringFixed(2)
}

func FormatTokens(v *big.Int) string {
	return FromAtomic(v, TokenDecimals).Round(4).String()
}
