package ledger

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ToValue converts base units to a decimal token value.
func ToValue(amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -Decimals)
}

// FromValue converts a token value to base units, truncating anything below
// the token's precision.
func FromValue(v decimal.Decimal) *big.Int {
	return v.Shift(Decimals).Truncate(0).BigInt()
}

// ParseValue parses a decimal string such as "0.10" into base units.
func ParseValue(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return FromValue(d), nil
}

// FormatValue renders base units with the token's full precision.
func FormatValue(amount *big.Int) string {
	return ToValue(amount).StringFixed(Decimals)
}
