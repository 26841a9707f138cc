package discount

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/shop-ledger/internal/domain/cart"
	"github.com/xenking/shop-ledger/pkg/money"
)

// DefaultBundleRate is applied to bundles that do not set their own rate.
var DefaultBundleRate = decimal.RequireFromString("0.10")

// Bundle is a set of products that earn a discount when bought together.
type Bundle struct {
	Name       string
	ProductIDs []int64
	// Rate is a fraction (0.10 = 10%). Zero means DefaultBundleRate.
	Rate decimal.Decimal
}

// AppliedBundle reports how many complete sets of a bundle the cart holds.
type AppliedBundle struct {
	Bundle Bundle
	Sets   int
	Amount money.Money
}

// BundleResult aggregates bundle discounts for a cart.
type BundleResult struct {
	Applied []AppliedBundle
	Total   money.Money
}

// CalculateBundleDiscount matches bundles against the cart in order. Units
// consumed by one bundle are no longer available to the next, so overlapping
// bundles never count the same unit twice.
//
// A bundle discount is sets × (sum of the average unit price of each required
// product) × rate.
func CalculateBundleDiscount(lines []cart.Line, bundles []Bundle) BundleResult {
	available := cart.Quantities(lines)
	avgPrice := averageUnitPrices(lines)

	var res BundleResult
	for _, b := range bundles {
		ids := distinct(b.ProductIDs)
		if len(ids) < 2 {
			continue
		}

		sets := -1
		for _, id := range ids {
			q := available[id]
			if sets < 0 || q < sets {
				sets = q
			}
		}
		if sets <= 0 {
			continue
		}

		setPrice := decimal.Zero
		for _, id := range ids {
			available[id] -= sets
			setPrice = setPrice.Add(avgPrice[id])
		}

		rate := b.Rate
		if rate.IsZero() {
			rate = DefaultBundleRate
		}
		amount := setPrice.Mul(decimal.NewFromInt(int64(sets))).Mul(rate)

		applied := AppliedBundle{Bundle: b, Sets: sets, Amount: money.FromDecimal(amount)}
		res.Applied = append(res.Applied, applied)
		res.Total = res.Total.Add(applied.Amount)
	}
	return res
}

// averageUnitPrices returns the quantity-weighted unit price per product,
// kept unrounded so per-bundle rounding happens once.
func averageUnitPrices(lines []cart.Line) map[int64]decimal.Decimal {
	totals := make(map[int64]decimal.Decimal)
	qty := make(map[int64]int64)
	for _, l := range lines {
		if l.Quantity <= 0 {
			continue
		}
		totals[l.ProductID] = totals[l.ProductID].Add(l.Total().Decimal())
		qty[l.ProductID] += int64(l.Quantity)
	}

	avg := make(map[int64]decimal.Decimal, len(totals))
	for id, t := range totals {
		avg[id] = t.Div(decimal.NewFromInt(qty[id]))
	}
	return avg
}

func distinct(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
