// Package cart defines the transient shopping cart handed to the ledger core
// by the session layer. A Cart is a plain value: callers deserialize it at the
// request boundary and pass it explicitly.
package cart

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/pkg/money"
)

// ErrEmpty is returned for a cart without lines.
var ErrEmpty = apperr.New(apperr.KindValidation, "cart is empty")

// Line is a single cart entry.
type Line struct {
	ProductID int64
	// VariantID pins a specific SKU. When nil the first variant with enough
	// stock is chosen at commit.
	VariantID *int64
	Size      string
	UnitPrice money.Money
	Quantity  int
	// DiscountPercent is the catalog markdown already reflected in UnitPrice.
	DiscountPercent decimal.Decimal
	// BrandID is filled by re-pricing and used for brand-scoped coupons.
	BrandID *int64
}

// Total returns UnitPrice × Quantity.
func (l Line) Total() money.Money {
	return l.UnitPrice.Mul(l.Quantity)
}

// Cart is the set of lines a user is checking out.
type Cart struct {
	UserID int64
	Lines  []Line
}

// Validate checks line shapes. Prices are not trusted and not checked here.
func (c Cart) Validate() error {
	if len(c.Lines) == 0 {
		return ErrEmpty
	}
	for _, l := range c.Lines {
		if l.ProductID <= 0 {
			return apperr.Validation("invalid product id %d", l.ProductID)
		}
		if l.Quantity <= 0 {
			return apperr.Validation("quantity must be greater than 0 for product %d", l.ProductID)
		}
	}
	return nil
}

// ProductIDs returns the distinct product ids in line order.
func (c Cart) ProductIDs() []int64 {
	seen := make(map[int64]struct{}, len(c.Lines))
	ids := make([]int64, 0, len(c.Lines))
	for _, l := range c.Lines {
		if _, ok := seen[l.ProductID]; ok {
			continue
		}
		seen[l.ProductID] = struct{}{}
		ids = append(ids, l.ProductID)
	}
	return ids
}

// Quantities returns the total quantity per product.
func Quantities(lines []Line) map[int64]int {
	q := make(map[int64]int, len(lines))
	for _, l := range lines {
		q[l.ProductID] += l.Quantity
	}
	return q
}
