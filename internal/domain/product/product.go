package product

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/pkg/money"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = apperr.New(apperr.KindNotFound, "product not found")

var hundred = decimal.NewFromInt(100)

// Product is the catalog view the ledger core needs to re-price a cart at
// commit time.
type Product struct {
	ID int64
	// Name is frozen into order items at purchase time.
	Name string
	// Price is the list price before any sale percentage.
	Price money.Money
	// SalePercent is the catalog-level markdown in [0,100].
	SalePercent decimal.Decimal
	// BrandID scopes brand coupons. Nil for unbranded products.
	BrandID *int64
	Active  bool
}

// UnitPrice returns the current selling price after the catalog markdown.
func (p Product) UnitPrice() money.Money {
	pct := p.SalePercent
	if pct.IsNegative() {
		pct = decimal.Zero
	}
	if pct.GreaterThan(hundred) {
		pct = hundred
	}
	return p.Price.Sub(p.Price.Percent(pct))
}

// Repository defines read operations for the product catalog.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Product, error)
	GetByIDs(ctx context.Context, ids []int64) ([]Product, error)
}
