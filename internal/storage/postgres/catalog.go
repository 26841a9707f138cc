package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/shop-ledger/internal/domain/inventory"
	"github.com/xenking/shop-ledger/internal/domain/product"
)

const (
	productColumns = `id, name, price, sale_percent, brand_id, active`

	getProductByIDSQL   = `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1) ORDER BY id`

	insertProductSQL = `INSERT INTO products (name, price, sale_percent, brand_id, active)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`

	upsertBrandSQL = `INSERT INTO brands (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING id`

	variantColumns = `id, product_id, size, color, quantity`

	lockVariantSQL = `SELECT ` + variantColumns + ` FROM product_variants WHERE id = $1 FOR UPDATE`

	firstAvailableVariantSQL = `SELECT ` + variantColumns + ` FROM product_variants
		WHERE product_id = $1 AND quantity >= $2 ORDER BY id LIMIT 1 FOR UPDATE`

	setVariantQuantitySQL = `UPDATE product_variants SET quantity = $2 WHERE id = $1`

	incrementVariantSQL = `UPDATE product_variants SET quantity = quantity + $2 WHERE id = $1`

	adjustProductStockSQL = `UPDATE products SET stock = stock + $2 WHERE id = $1`

	insertVariantSQL = `INSERT INTO product_variants (product_id, size, color, quantity)
		VALUES ($1, $2, $3, $4) RETURNING id`
)

var (
	_ product.Repository   = (*ProductRepository)(nil)
	_ inventory.Repository = (*StockRepository)(nil)
)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	db *DB
}

// NewProductRepository returns a ProductRepository.
func NewProductRepository(db *DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id int64) (*product.Product, error) {
	rows, err := r.db.q(ctx).Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %d: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %d: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []int64) ([]product.Product, error) {
	rows, err := r.db.q(ctx).Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// Insert stores a product and returns its id.
func (r *ProductRepository) Insert(ctx context.Context, p *product.Product) (int64, error) {
	var id int64
	err := r.db.q(ctx).QueryRow(ctx, insertProductSQL,
		p.Name, p.Price.Decimal(), p.SalePercent, p.BrandID, p.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting product %q: %w", p.Name, err)
	}
	return id, nil
}

// UpsertBrand returns the id of the named brand, creating it when missing.
func (r *ProductRepository) UpsertBrand(ctx context.Context, name string) (int64, error) {
	var id int64
	if err := r.db.q(ctx).QueryRow(ctx, upsertBrandSQL, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("upserting brand %q: %w", name, err)
	}
	return id, nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p     product.Product
		price decimal.Decimal
	)
	err := row.Scan(&p.ID, &p.Name, &price, &p.SalePercent, &p.BrandID, &p.Active)
	p.Price = toMoney(price)
	return p, err
}

// StockRepository implements inventory.Repository backed by PostgreSQL.
type StockRepository struct {
	db *DB
}

// NewStockRepository returns a StockRepository.
func NewStockRepository(db *DB) *StockRepository {
	return &StockRepository{db: db}
}

// LockVariant locks the variant row until the transaction ends.
func (r *StockRepository) LockVariant(ctx context.Context, id int64) (*inventory.Variant, error) {
	return r.lockOne(ctx, lockVariantSQL, id)
}

// FirstAvailableVariant locks the lowest-id variant with at least minQty units.
func (r *StockRepository) FirstAvailableVariant(ctx context.Context, productID int64, minQty int) (*inventory.Variant, error) {
	return r.lockOne(ctx, firstAvailableVariantSQL, productID, minQty)
}

func (r *StockRepository) lockOne(ctx context.Context, sql string, args ...any) (*inventory.Variant, error) {
	rows, err := r.db.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("locking variant: %w", err)
	}
	v, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[inventory.Variant])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, inventory.ErrVariantNotFound
		}
		return nil, fmt.Errorf("locking variant: %w", err)
	}
	return &v, nil
}

// SetVariantQuantity overwrites the variant stock.
func (r *StockRepository) SetVariantQuantity(ctx context.Context, id int64, qty int) error {
	return r.exec(ctx, setVariantQuantitySQL, id, qty)
}

// IncrementVariant adds qty to the variant in a single statement.
func (r *StockRepository) IncrementVariant(ctx context.Context, id int64, qty int) error {
	return r.exec(ctx, incrementVariantSQL, id, qty)
}

// AdjustProductStock moves the product's aggregate stock counter.
func (r *StockRepository) AdjustProductStock(ctx context.Context, productID int64, delta int) error {
	tag, err := r.db.q(ctx).Exec(ctx, adjustProductStockSQL, productID, delta)
	if err != nil {
		return fmt.Errorf("adjusting product %d stock: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrNotFound
	}
	return nil
}

// InsertVariant stores a variant and adds its quantity to the product stock.
func (r *StockRepository) InsertVariant(ctx context.Context, v *inventory.Variant) (int64, error) {
	var id int64
	err := r.db.WithinTx(ctx, func(ctx context.Context) error {
		if err := r.db.q(ctx).QueryRow(ctx, insertVariantSQL,
			v.ProductID, v.Size, v.Color, v.Quantity,
		).Scan(&id); err != nil {
			return fmt.Errorf("inserting variant: %w", err)
		}
		return r.AdjustProductStock(ctx, v.ProductID, v.Quantity)
	})
	return id, err
}

func (r *StockRepository) exec(ctx context.Context, sql string, id int64, qty int) error {
	tag, err := r.db.q(ctx).Exec(ctx, sql, id, qty)
	if err != nil {
		return fmt.Errorf("updating variant %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return inventory.ErrVariantNotFound
	}
	return nil
}
