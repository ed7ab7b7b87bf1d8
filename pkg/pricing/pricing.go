// Package pricing computes authoritative order totals from server-side prices.
// Everything here is pure: the same input always yields the same Totals.
package pricing

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"julianmorley.ca/con-plar/storefront/pkg/apperr"
	"julianmorley.ca/con-plar/storefront/pkg/money"
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

var ErrInvalidLine = errors.New("pricing: line must have quantity >= 1 and a non-negative price")

type Line struct {
	UnitPrice decimal.Decimal
	Quantity  int
}

// CouponTerms is the part of a coupon that affects the amount.
// MaxDiscount only applies to percentage coupons.
type CouponTerms struct {
	Type        DiscountType
	Value       decimal.Decimal
	MaxDiscount *decimal.Decimal
}

type Totals struct {
	Subtotal decimal.Decimal
	Shipping decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

func Subtotal(lines []Line) (decimal.Decimal, error) {
	subtotal := decimal.Zero
	for _, l := range lines {
		if l.Quantity < 1 || l.UnitPrice.IsNegative() {
			return decimal.Zero, ErrInvalidLine
		}
		subtotal = subtotal.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return subtotal.Round(money.Places), nil
}

// Discount returns the coupon amount for a subtotal. Fixed discounts are
// taken as-is and are not clamped to the subtotal.
func Discount(subtotal decimal.Decimal, terms *CouponTerms) decimal.Decimal {
	if terms == nil {
		return decimal.Zero
	}

	var discount decimal.Decimal
	switch terms.Type {
	case DiscountPercentage:
		discount = subtotal.Mul(terms.Value).Div(decimal.NewFromInt(100))
		if terms.MaxDiscount != nil && discount.GreaterThan(*terms.MaxDiscount) {
			discount = *terms.MaxDiscount
		}
	case DiscountFixed:
		discount = terms.Value
	default:
		return decimal.Zero
	}
	return discount.Round(money.Places)
}

// ComputeTotals returns apperr.ErrInvalidTotal when the total is not strictly positive
func ComputeTotals(lines []Line, shipping decimal.Decimal, terms *CouponTerms) (Totals, error) {
	subtotal, err := Subtotal(lines)
	if err != nil {
		return Totals{}, err
	}

	shipping = shipping.Round(money.Places)
	discount := Discount(subtotal, terms)
	total := subtotal.Add(shipping).Sub(discount)

	totals := Totals{
		Subtotal: subtotal,
		Shipping: shipping,
		Discount: discount,
		Total:    total,
	}
	if !total.IsPositive() {
		return totals, apperr.ErrInvalidTotal.WithDetailsf("computed total %s", money.String(total))
	}
	return totals, nil
}
