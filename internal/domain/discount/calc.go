package discount

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/shop-ledger/internal/domain/cart"
	"github.com/xenking/shop-ledger/pkg/money"
)

var hundred = decimal.NewFromInt(100)

// CalculateSubtotal returns the sum of unit price × quantity across lines.
func CalculateSubtotal(lines []cart.Line) money.Money {
	var sum money.Money
	for _, l := range lines {
		sum = sum.Add(l.Total())
	}
	return sum
}

// EligibleSubtotal returns the part of the cart a coupon applies to. Brand
// coupons only count lines of their brand; other coupons use subtotal.
func EligibleSubtotal(c *Coupon, subtotal money.Money, lines []cart.Line) money.Money {
	if c.BrandID == nil {
		return subtotal.FloorZero()
	}
	var sum money.Money
	for _, l := range lines {
		if l.BrandID != nil && *l.BrandID == *c.BrandID {
			sum = sum.Add(l.Total())
		}
	}
	return sum.FloorZero()
}

// Compute returns the discount a coupon grants on an eligible subtotal. The
// result is capped by MaxDiscountAmount and never exceeds eligible.
func Compute(c *Coupon, eligible money.Money) money.Money {
	var amount money.Money
	switch c.DiscountType {
	case DiscountPercentage:
		pct := c.Value
		if pct.IsNegative() {
			pct = decimal.Zero
		}
		if pct.GreaterThan(hundred) {
			pct = hundred
		}
		amount = eligible.Percent(pct)
	case DiscountFixedAmount:
		amount = money.FromDecimal(c.Value)
	default:
		return money.Zero
	}

	if c.MaxDiscountAmount != nil && amount > *c.MaxDiscountAmount {
		amount = *c.MaxDiscountAmount
	}
	return money.Min(amount, eligible).FloorZero()
}
