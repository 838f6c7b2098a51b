// Package money converts between stored minor units and major-unit decimals.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MinorUnits is the number of decimal places of the store currency.
const MinorUnits = 2

// Format renders minor units as a fixed-point major-unit string, e.g. 16000 -> "160.00".
func Format(amount int64) string {
	return decimal.New(amount, -MinorUnits).StringFixed(MinorUnits)
}

// Parse turns a major-unit string into minor units. More precision than the
// currency carries is rejected rather than rounded.
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	minor := d.Shift(MinorUnits)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", s, MinorUnits)
	}
	return minor.IntPart(), nil
}
