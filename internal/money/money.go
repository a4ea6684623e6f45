// Package money converts between decimal major units and the int64 minor units stored in the ledger.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const minorExp = 2

// MinIncrement is the smallest minimum increment an item may carry, one major unit.
const MinIncrement int64 = 100

var hundred = decimal.NewFromInt(100)

// ToMinor converts a major-unit amount to minor units. Amounts with more than two
// decimal places are rejected rather than rounded.
func ToMinor(amount decimal.Decimal) (int64, error) {
	scaled := amount.Mul(hundred)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount.String(), minorExp)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s is out of range", amount.String())
	}
	return scaled.IntPart(), nil
}

// FromMinor converts minor units to a major-unit decimal.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -minorExp)
}

// Format renders minor units as a fixed two-place major amount, e.g. 1250 -> "12.50".
func Format(minor int64) string {
	return FromMinor(minor).StringFixed(minorExp)
}
