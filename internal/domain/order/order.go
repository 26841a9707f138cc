package order

import (
	"context"
	"time"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/pkg/money"
)

// ErrNotFound is returned when an order id does not resolve.
var ErrNotFound = apperr.New(apperr.KindNotFound, "order not found")

// PaymentStatus tracks money received for an order.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentPaid              PaymentStatus = "paid"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentFailed            PaymentStatus = "failed"
)

// PaymentMethod identifies how an order was paid.
type PaymentMethod string

const (
	PaymentPayPal PaymentMethod = "paypal"
	PaymentStripe PaymentMethod = "stripe"
	PaymentNETS   PaymentMethod = "nets"
	PaymentCOD    PaymentMethod = "cod"
	PaymentManual PaymentMethod = "manual"
)

// Capturable reports whether refunds for this method go back through a
// gateway capture.
func (m PaymentMethod) Capturable() bool {
	switch m {
	case PaymentPayPal, PaymentStripe, PaymentNETS:
		return true
	default:
		return false
	}
}

// Order is the immutable monetary record of a checkout plus the few fields
// that change afterwards (status, payment status, delivery, refunded amount).
type Order struct {
	ID          int64
	OrderNumber string
	UserID      int64

	Subtotal       money.Money
	TaxAmount      money.Money
	ShippingAmount money.Money
	DiscountAmount money.Money
	TotalAmount    money.Money
	RefundedAmount money.Money
	Currency       string

	Status         Status
	PaymentStatus  PaymentStatus
	PaymentMethod  PaymentMethod
	CaptureID      string
	DeliveryMethod FulfillmentMethod

	ShippingAddress string
	PromoCode       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RemainingBalance returns the refundable ceiling, never negative.
func (o *Order) RemainingBalance() money.Money {
	return o.TotalAmount.Sub(o.RefundedAmount).FloorZero()
}

// ComputeTotal returns subtotal + tax + shipping - discount.
func ComputeTotal(subtotal, tax, shipping, discount money.Money) money.Money {
	return subtotal.Add(tax).Add(shipping).Sub(discount)
}

// Item is a line of an order. Product details are frozen at purchase time.
type Item struct {
	ID          int64
	OrderID     int64
	ProductID   int64
	VariantID   int64
	ProductName string
	Size        string
	Color       string
	Quantity    int
	UnitPrice   money.Money
	TotalPrice  money.Money
}

// WithItems pairs an order with its lines.
type WithItems struct {
	Order
	Items []Item
}

// DeliveryUpdate carries editable delivery details. ShippingAmount is the
// delivery fee charged for the method.
type DeliveryUpdate struct {
	ShippingAddress string
	DeliveryMethod  FulfillmentMethod
	ShippingAmount  money.Money
}

// Summary aggregates order money over a period.
type Summary struct {
	Orders   int
	Revenue  money.Money
	Refunded money.Money
}

// Bestseller is a product ranked by units sold.
type Bestseller struct {
	ProductID   int64
	ProductName string
	Units       int
	Revenue     money.Money
}

// Repository persists orders and items. Lock*, Insert* and Update* calls are
// expected to run inside a transaction started by a TxRunner.
type Repository interface {
	Insert(ctx context.Context, o *Order) (int64, error)
	InsertItem(ctx context.Context, it *Item) (int64, error)
	GetByID(ctx context.Context, id int64) (*Order, error)
	LockByID(ctx context.Context, id int64) (*Order, error)
	ListByUser(ctx context.Context, userID int64) ([]Order, error)
	ItemsByOrderIDs(ctx context.Context, ids []int64) ([]Item, error)
	UpdateDelivery(ctx context.Context, id int64, upd DeliveryUpdate, total money.Money) error
	UpdateStatus(ctx context.Context, id int64, status Status) error
	UpdatePayment(ctx context.Context, id int64, status PaymentStatus, captureID string) error
	// AddRefunded increases refunded_amount by amount and returns the new value.
	AddRefunded(ctx context.Context, id int64, amount money.Money) (money.Money, error)

	SalesSummary(ctx context.Context, since time.Time) (Summary, error)
	StatusCounts(ctx context.Context) (map[Status]int, error)
	Bestsellers(ctx context.Context, limit int) ([]Bestseller, error)
}

// TxRunner runs fn in a database transaction carried by ctx. Calls made while
// a transaction is already open join it.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
