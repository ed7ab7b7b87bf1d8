// Package money converts between stored float prices, decimal arithmetic and
// processor minor units.
package money

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const Places = 2

var hundred = decimal.NewFromInt(100)

// FromFloat converts a stored price to a decimal rounded to cents
func FromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(Places)
}

func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse amount %q", s)
	}
	return d.Round(Places), nil
}

// ToMinorUnits returns the amount in cents, rounding half away from zero
func ToMinorUnits(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -Places)
}

func Float(d decimal.Decimal) float64 {
	f, _ := d.Round(Places).Float64()
	return f
}

// String formats with exactly two decimals, e.g. "46.00"
func String(d decimal.Decimal) string {
	return d.StringFixed(Places)
}
