package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/cart"
	"github.com/xenking/shop-ledger/internal/domain/inventory"
	"github.com/xenking/shop-ledger/pkg/money"
)

// Sentinel errors for order validation.
var (
	ErrEmptyItems       = apperr.New(apperr.KindValidation, "items required")
	ErrNegativeShipping = apperr.New(apperr.KindValidation, "shipping amount must not be negative")
	ErrNegativeDiscount = apperr.New(apperr.KindValidation, "discount amount must not be negative")
)

// LineInput is a re-priced cart line with the product name to freeze into
// the order item.
type LineInput struct {
	cart.Line
	ProductName string
}

// CreateRequest holds the input for creating an order.
type CreateRequest struct {
	UserID          int64
	Lines           []LineInput
	ShippingAddress string
	ShippingAmount  money.Money
	DiscountAmount  money.Money
	PromoCode       string
	DeliveryMethod  FulfillmentMethod
	PaymentMethod   PaymentMethod
	PaymentStatus   PaymentStatus
	CaptureID       string
	Currency        string
}

// Service is the order store: it owns order creation and the few mutations
// allowed afterwards.
type Service struct {
	repo    Repository
	stock   *inventory.Ledger
	tx      TxRunner
	taxRate decimal.Decimal
	now     func() time.Time
}

// NewService creates an order Service. taxRate is a fraction applied to the
// subtotal (0.08 = 8%).
func NewService(repo Repository, stock *inventory.Ledger, tx TxRunner, taxRate decimal.Decimal) *Service {
	return &Service{
		repo:    repo,
		stock:   stock,
		tx:      tx,
		taxRate: taxRate,
		now:     time.Now,
	}
}

// Tax returns the tax due on a subtotal.
func (s *Service) Tax(subtotal money.Money) money.Money {
	return subtotal.MulRate(s.taxRate)
}

// Create persists an order and its items and decrements stock for every line
// in one transaction. Lines are processed sequentially so a single order never
// takes variant locks in an order that could deadlock against itself; any
// failure rolls the whole order back.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*WithItems, error) {
	if len(req.Lines) == 0 {
		return nil, ErrEmptyItems
	}
	if req.ShippingAmount.IsNegative() {
		return nil, ErrNegativeShipping
	}
	if req.DiscountAmount.IsNegative() {
		return nil, ErrNegativeDiscount
	}
	for _, l := range req.Lines {
		if l.Quantity <= 0 {
			return nil, apperr.Validation("quantity must be greater than 0 for product %d", l.ProductID)
		}
	}

	var subtotal money.Money
	for _, l := range req.Lines {
		subtotal = subtotal.Add(l.Total())
	}
	tax := s.Tax(subtotal)
	discount := money.Min(req.DiscountAmount, subtotal)

	if req.DeliveryMethod == "" {
		req.DeliveryMethod = FulfillmentDelivery
	}
	if req.PaymentStatus == "" {
		req.PaymentStatus = PaymentPending
	}

	now := s.now()
	o := &Order{
		OrderNumber:     newOrderNumber(now),
		UserID:          req.UserID,
		Subtotal:        subtotal,
		TaxAmount:       tax,
		ShippingAmount:  req.ShippingAmount,
		DiscountAmount:  discount,
		TotalAmount:     ComputeTotal(subtotal, tax, req.ShippingAmount, discount),
		Currency:        req.Currency,
		Status:          StatusProcessing,
		PaymentStatus:   req.PaymentStatus,
		PaymentMethod:   req.PaymentMethod,
		CaptureID:       req.CaptureID,
		DeliveryMethod:  req.DeliveryMethod,
		ShippingAddress: req.ShippingAddress,
		PromoCode:       req.PromoCode,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var items []Item
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		id, err := s.repo.Insert(ctx, o)
		if err != nil {
			return errors.Wrap(err, "insert order")
		}
		o.ID = id

		items = make([]Item, 0, len(req.Lines))
		for _, l := range req.Lines {
			v, err := s.stock.ResolveVariant(ctx, l.ProductID, l.VariantID, l.Quantity)
			if err != nil {
				return err
			}
			if err := s.stock.DecrementForOrder(ctx, v, l.Quantity); err != nil {
				return err
			}

			it := Item{
				OrderID:     o.ID,
				ProductID:   l.ProductID,
				VariantID:   v.ID,
				ProductName: l.ProductName,
				Size:        firstNonEmpty(l.Size, v.Size),
				Color:       v.Color,
				Quantity:    l.Quantity,
				UnitPrice:   l.UnitPrice,
				TotalPrice:  l.Total(),
			}
			itemID, err := s.repo.InsertItem(ctx, &it)
			if err != nil {
				return errors.Wrapf(err, "insert item for product %d", l.ProductID)
			}
			it.ID = itemID
			items = append(items, it)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &WithItems{Order: *o, Items: items}, nil
}

// UpdateDelivery changes delivery details and recomputes the total from the
// stored subtotal, tax and discount.
func (s *Service) UpdateDelivery(ctx context.Context, id int64, upd DeliveryUpdate) (*Order, error) {
	if upd.ShippingAmount.IsNegative() {
		return nil, ErrNegativeShipping
	}

	var out *Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.repo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if o.Status.IsTerminal() {
			return apperr.Conflict("order %s is %s", o.OrderNumber, o.Status)
		}
		if upd.DeliveryMethod == "" {
			upd.DeliveryMethod = o.DeliveryMethod
		}

		total := ComputeTotal(o.Subtotal, o.TaxAmount, upd.ShippingAmount, o.DiscountAmount)
		if total < o.RefundedAmount {
			return apperr.Conflict("new total %s is below the refunded amount %s", total, o.RefundedAmount)
		}
		if err := s.repo.UpdateDelivery(ctx, id, upd, total); err != nil {
			return errors.Wrap(err, "update delivery")
		}

		o.ShippingAddress = upd.ShippingAddress
		o.DeliveryMethod = upd.DeliveryMethod
		o.ShippingAmount = upd.ShippingAmount
		o.TotalAmount = total
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TransitionStatus advances the order along its fulfillment flow.
func (s *Service) TransitionStatus(ctx context.Context, id int64, next Status) (*Order, error) {
	next = Canonical(string(next))

	var out *Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.repo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		current := Canonical(string(o.Status))
		if !CanTransition(o.DeliveryMethod, current, next) {
			return &TransitionError{From: current, To: next}
		}
		if current != next {
			if err := s.repo.UpdateStatus(ctx, id, next); err != nil {
				return errors.Wrap(err, "update status")
			}
		}
		o.Status = next
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkPaid records a confirmed payment. changed is false when the order was
// already paid.
func (s *Service) MarkPaid(ctx context.Context, id int64, captureID string) (o *Order, changed bool, err error) {
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err = s.repo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		switch o.PaymentStatus {
		case PaymentPaid:
			return nil
		case PaymentPartiallyRefunded, PaymentRefunded:
			return apperr.Conflict("order %s has refunds and cannot be marked paid", o.OrderNumber)
		}
		if o.Status.IsTerminal() {
			return apperr.Conflict("order %s is %s", o.OrderNumber, o.Status)
		}
		if captureID == "" {
			captureID = o.CaptureID
		}
		if err := s.repo.UpdatePayment(ctx, id, PaymentPaid, captureID); err != nil {
			return errors.Wrap(err, "update payment")
		}
		o.PaymentStatus = PaymentPaid
		o.CaptureID = captureID
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return o, changed, nil
}

// FindByID returns an order with its items.
func (s *Service) FindByID(ctx context.Context, id int64) (*WithItems, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ItemsByOrderIDs(ctx, []int64{id})
	if err != nil {
		return nil, errors.Wrap(err, "load items")
	}
	return &WithItems{Order: *o, Items: items}, nil
}

// FindByUser returns a user's orders, newest first, with their items.
func (s *Service) FindByUser(ctx context.Context, userID int64) ([]WithItems, error) {
	orders, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	if len(orders) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	items, err := s.repo.ItemsByOrderIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "load items")
	}

	byOrder := make(map[int64][]Item, len(orders))
	for _, it := range items {
		byOrder[it.OrderID] = append(byOrder[it.OrderID], it)
	}
	out := make([]WithItems, len(orders))
	for i, o := range orders {
		out[i] = WithItems{Order: o, Items: byOrder[o.ID]}
	}
	return out, nil
}

// Dashboard is the admin overview.
type Dashboard struct {
	Last30Days  Summary
	Statuses    map[Status]int
	Bestsellers []Bestseller
}

// Dashboard loads the admin aggregates concurrently.
func (s *Service) Dashboard(ctx context.Context, bestsellers int) (*Dashboard, error) {
	var d Dashboard
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sum, err := s.repo.SalesSummary(ctx, s.now().AddDate(0, 0, -30))
		if err != nil {
			return errors.Wrap(err, "sales summary")
		}
		d.Last30Days = sum
		return nil
	})
	g.Go(func() error {
		counts, err := s.repo.StatusCounts(ctx)
		if err != nil {
			return errors.Wrap(err, "status counts")
		}
		d.Statuses = counts
		return nil
	})
	g.Go(func() error {
		top, err := s.repo.Bestsellers(ctx, bestsellers)
		if err != nil {
			return errors.Wrap(err, "bestsellers")
		}
		d.Bestsellers = top
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &d, nil
}

func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), suffix)
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
