package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/pkg/money"
)

const (
	orderColumns = `id, order_number, user_id, subtotal, tax_amount, shipping_amount, discount_amount,
		total_amount, refunded_amount, currency, status, payment_status, payment_method, capture_id,
		delivery_method, shipping_address, promo_code, created_at, updated_at`

	insertOrderSQL = `INSERT INTO orders (order_number, user_id, subtotal, tax_amount, shipping_amount,
		discount_amount, total_amount, refunded_amount, currency, status, payment_status, payment_method,
		capture_id, delivery_method, shipping_address, promo_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16) RETURNING id`

	insertOrderItemSQL = `INSERT INTO order_items (order_id, product_id, variant_id, product_name, size, color,
		quantity, unit_price, total_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`

	getOrderSQL  = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	lockOrderSQL = getOrderSQL + ` FOR UPDATE`

	listOrdersByUserSQL = `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`

	itemsByOrderIDsSQL = `SELECT id, order_id, product_id, variant_id, product_name, size, color,
		quantity, unit_price, total_price FROM order_items WHERE order_id = ANY($1) ORDER BY id`

	updateDeliverySQL = `UPDATE orders SET shipping_address = $2, delivery_method = $3,
		shipping_amount = $4, total_amount = $5, updated_at = NOW() WHERE id = $1`

	updateOrderStatusSQL = `UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1`

	updatePaymentSQL = `UPDATE orders SET payment_status = $2, capture_id = $3, updated_at = NOW() WHERE id = $1`

	addRefundedSQL = `UPDATE orders SET refunded_amount = refunded_amount + $2, updated_at = NOW()
		WHERE id = $1 RETURNING refunded_amount`

	salesSummarySQL = `SELECT COUNT(*), COALESCE(SUM(total_amount), 0), COALESCE(SUM(refunded_amount), 0)
		FROM orders WHERE created_at >= $1 AND status <> 'cancelled'`

	statusCountsSQL = `SELECT status, COUNT(*) FROM orders GROUP BY status`

	bestsellersSQL = `SELECT i.product_id, MIN(i.product_name), SUM(i.quantity), SUM(i.total_price)
		FROM order_items i JOIN orders o ON o.id = i.order_id
		WHERE o.status <> 'cancelled'
		GROUP BY i.product_id
		ORDER BY SUM(i.quantity) DESC, i.product_id
		LIMIT $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	db *DB
}

// NewOrderRepository returns an OrderRepository.
func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Insert stores the order header and returns its id.
func (r *OrderRepository) Insert(ctx context.Context, o *order.Order) (int64, error) {
	var id int64
	err := r.db.q(ctx).QueryRow(ctx, insertOrderSQL,
		o.OrderNumber, o.UserID,
		o.Subtotal.Decimal(), o.TaxAmount.Decimal(), o.ShippingAmount.Decimal(),
		o.DiscountAmount.Decimal(), o.TotalAmount.Decimal(), o.RefundedAmount.Decimal(), o.Currency,
		string(o.Status), string(o.PaymentStatus), string(o.PaymentMethod), o.CaptureID,
		string(o.DeliveryMethod), o.ShippingAddress, o.PromoCode,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting order %s: %w", o.OrderNumber, err)
	}
	return id, nil
}

// InsertItem stores an order line.
func (r *OrderRepository) InsertItem(ctx context.Context, it *order.Item) (int64, error) {
	var id int64
	err := r.db.q(ctx).QueryRow(ctx, insertOrderItemSQL,
		it.OrderID, it.ProductID, it.VariantID, it.ProductName, it.Size, it.Color,
		it.Quantity, it.UnitPrice.Decimal(), it.TotalPrice.Decimal(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting item for order %d: %w", it.OrderID, err)
	}
	return id, nil
}

// GetByID returns an order without locking it.
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	return r.one(ctx, getOrderSQL, id)
}

// LockByID locks the order row until the transaction ends.
func (r *OrderRepository) LockByID(ctx context.Context, id int64) (*order.Order, error) {
	return r.one(ctx, lockOrderSQL, id)
}

func (r *OrderRepository) one(ctx context.Context, sql string, id int64) (*order.Order, error) {
	rows, err := r.db.q(ctx).Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}
	return &o, nil
}

// ListByUser returns the user's orders, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID int64) ([]order.Order, error) {
	rows, err := r.db.q(ctx).Query(ctx, listOrdersByUserSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing orders of user %d: %w", userID, err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

// ItemsByOrderIDs returns the lines of all given orders in one query.
func (r *OrderRepository) ItemsByOrderIDs(ctx context.Context, ids []int64) ([]order.Item, error) {
	rows, err := r.db.q(ctx).Query(ctx, itemsByOrderIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting order items: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Item, error) {
		var (
			it          order.Item
			unit, total decimal.Decimal
		)
		err := row.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.VariantID, &it.ProductName,
			&it.Size, &it.Color, &it.Quantity, &unit, &total)
		it.UnitPrice = toMoney(unit)
		it.TotalPrice = toMoney(total)
		return it, err
	})
}

// UpdateDelivery rewrites delivery details and the recomputed total.
func (r *OrderRepository) UpdateDelivery(ctx context.Context, id int64, upd order.DeliveryUpdate, total money.Money) error {
	return r.exec(ctx, id, updateDeliverySQL,
		upd.ShippingAddress, string(upd.DeliveryMethod), upd.ShippingAmount.Decimal(), total.Decimal())
}

// UpdateStatus sets the fulfilment status.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id int64, status order.Status) error {
	return r.exec(ctx, id, updateOrderStatusSQL, string(status))
}

// UpdatePayment sets the payment status and capture id.
func (r *OrderRepository) UpdatePayment(ctx context.Context, id int64, status order.PaymentStatus, captureID string) error {
	return r.exec(ctx, id, updatePaymentSQL, string(status), captureID)
}

func (r *OrderRepository) exec(ctx context.Context, id int64, sql string, args ...any) error {
	tag, err := r.db.q(ctx).Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("updating order %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// AddRefunded increments refunded_amount atomically. The table CHECK rejects
// a value above the order total.
func (r *OrderRepository) AddRefunded(ctx context.Context, id int64, amount money.Money) (money.Money, error) {
	var refunded decimal.Decimal
	err := r.db.q(ctx).QueryRow(ctx, addRefundedSQL, id, amount.Decimal()).Scan(&refunded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return money.Zero, order.ErrNotFound
		}
		return money.Zero, fmt.Errorf("adding refund to order %d: %w", id, err)
	}
	return toMoney(refunded), nil
}

// SalesSummary aggregates non-cancelled orders created since the given time.
func (r *OrderRepository) SalesSummary(ctx context.Context, since time.Time) (order.Summary, error) {
	var (
		sum               order.Summary
		revenue, refunded decimal.Decimal
	)
	if err := r.db.q(ctx).QueryRow(ctx, salesSummarySQL, since).Scan(&sum.Orders, &revenue, &refunded); err != nil {
		return order.Summary{}, fmt.Errorf("summarizing sales: %w", err)
	}
	sum.Revenue = toMoney(revenue)
	sum.Refunded = toMoney(refunded)
	return sum, nil
}

// StatusCounts returns the number of orders per canonical status.
func (r *OrderRepository) StatusCounts(ctx context.Context) (map[order.Status]int, error) {
	rows, err := r.db.q(ctx).Query(ctx, statusCountsSQL)
	if err != nil {
		return nil, fmt.Errorf("counting order statuses: %w", err)
	}
	out := make(map[order.Status]int)
	var (
		status string
		n      int
	)
	_, err = pgx.ForEachRow(rows, []any{&status, &n}, func() error {
		out[order.Canonical(status)] += n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("counting order statuses: %w", err)
	}
	return out, nil
}

// Bestsellers ranks products by units sold on non-cancelled orders.
func (r *OrderRepository) Bestsellers(ctx context.Context, limit int) ([]order.Bestseller, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.q(ctx).Query(ctx, bestsellersSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("ranking bestsellers: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Bestseller, error) {
		var (
			b       order.Bestseller
			revenue decimal.Decimal
		)
		err := row.Scan(&b.ProductID, &b.ProductName, &b.Units, &revenue)
		b.Revenue = toMoney(revenue)
		return b, err
	})
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                                         order.Order
		subtotal, tax, shipping, disc, total, ref decimal.Decimal
		status, payStatus, payMethod, delivery    string
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &subtotal, &tax, &shipping, &disc, &total, &ref, &o.Currency,
		&status, &payStatus, &payMethod, &o.CaptureID, &delivery, &o.ShippingAddress, &o.PromoCode,
		&o.CreatedAt, &o.UpdatedAt,
	)
	o.Subtotal = toMoney(subtotal)
	o.TaxAmount = toMoney(tax)
	o.ShippingAmount = toMoney(shipping)
	o.DiscountAmount = toMoney(disc)
	o.TotalAmount = toMoney(total)
	o.RefundedAmount = toMoney(ref)
	o.Status = order.Canonical(status)
	o.PaymentStatus = order.PaymentStatus(payStatus)
	o.PaymentMethod = order.PaymentMethod(payMethod)
	o.DeliveryMethod = order.FulfillmentMethod(delivery)
	return o, err
}
