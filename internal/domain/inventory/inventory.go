// Package inventory owns per-variant stock. Decrements run under an exclusive
// row lock inside the order transaction; the lock is the only serialization
// point, so any number of service instances may share one database.
package inventory

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/shop-ledger/internal/apperr"
)

// ErrVariantNotFound is returned when a variant id does not resolve.
var ErrVariantNotFound = apperr.New(apperr.KindNotFound, "variant not found")

// Variant is a purchasable SKU with its own stock count.
type Variant struct {
	ID        int64
	ProductID int64
	Size      string
	Color     string
	Quantity  int
}

// InsufficientStockError reports a failed lock-time stock check.
type InsufficientStockError struct {
	VariantID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %d: requested %d, available %d",
		e.VariantID, e.Requested, e.Available)
}

// Kind implements apperr.Kinded.
func (e *InsufficientStockError) Kind() apperr.Kind { return apperr.KindInsufficientStock }

// Repository provides row-level stock access. LockVariant must take an
// exclusive lock held until the surrounding transaction ends.
type Repository interface {
	LockVariant(ctx context.Context, id int64) (*Variant, error)
	// FirstAvailableVariant locks and returns the lowest-id variant of the
	// product holding at least minQty units.
	FirstAvailableVariant(ctx context.Context, productID int64, minQty int) (*Variant, error)
	SetVariantQuantity(ctx context.Context, id int64, qty int) error
	// IncrementVariant adds qty to the variant in a single statement.
	IncrementVariant(ctx context.Context, id int64, qty int) error
	// AdjustProductStock moves the product's aggregate stock counter by delta.
	AdjustProductStock(ctx context.Context, productID int64, delta int) error
}

// Ledger applies stock movements.
type Ledger struct {
	repo Repository
}

// NewLedger creates a Ledger backed by the given Repository.
func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo}
}

// ResolveVariant locks the variant a cart line targets: the explicit variant
// when given, otherwise the first variant of the product with enough stock.
func (l *Ledger) ResolveVariant(ctx context.Context, productID int64, variantID *int64, qty int) (*Variant, error) {
	if variantID != nil {
		v, err := l.repo.LockVariant(ctx, *variantID)
		if err != nil {
			return nil, errors.Wrapf(err, "lock variant %d", *variantID)
		}
		if v.ProductID != productID {
			return nil, apperr.Validation("variant %d does not belong to product %d", v.ID, productID)
		}
		return v, nil
	}

	v, err := l.repo.FirstAvailableVariant(ctx, productID, qty)
	if err != nil {
		if errors.Is(err, ErrVariantNotFound) {
			return nil, &InsufficientStockError{Requested: qty}
		}
		return nil, errors.Wrapf(err, "find variant for product %d", productID)
	}
	return v, nil
}

// DecrementForOrder removes qty units from a variant. The stock check runs on
// the locked row, so two checkouts racing for the last unit cannot both pass.
// Must be called inside the order transaction.
func (l *Ledger) DecrementForOrder(ctx context.Context, v *Variant, qty int) error {
	if qty <= 0 {
		return apperr.Validation("quantity must be greater than 0")
	}
	locked, err := l.repo.LockVariant(ctx, v.ID)
	if err != nil {
		return errors.Wrapf(err, "lock variant %d", v.ID)
	}
	if locked.Quantity < qty {
		return &InsufficientStockError{VariantID: v.ID, Requested: qty, Available: locked.Quantity}
	}
	if err := l.repo.SetVariantQuantity(ctx, v.ID, locked.Quantity-qty); err != nil {
		return errors.Wrapf(err, "update variant %d", v.ID)
	}
	if err := l.repo.AdjustProductStock(ctx, locked.ProductID, -qty); err != nil {
		return errors.Wrapf(err, "update product %d stock", locked.ProductID)
	}
	v.Quantity = locked.Quantity - qty
	return nil
}

// Restock returns qty units to a variant unconditionally.
func (l *Ledger) Restock(ctx context.Context, variantID, productID int64, qty int) error {
	if qty <= 0 {
		return apperr.Validation("restock quantity must be greater than 0")
	}
	if err := l.repo.IncrementVariant(ctx, variantID, qty); err != nil {
		return errors.Wrapf(err, "restock variant %d", variantID)
	}
	if err := l.repo.AdjustProductStock(ctx, productID, qty); err != nil {
		return errors.Wrapf(err, "restock product %d", productID)
	}
	return nil
}
