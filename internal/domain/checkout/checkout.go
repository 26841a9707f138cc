// Package checkout turns a cart into a committed order. It re-prices the cart
// from the catalog, applies bundle, coupon and points discounts, and writes
// the order, stock decrements, coupon usage and points debit in one
// transaction.
package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/cart"
	"github.com/xenking/shop-ledger/internal/domain/discount"
	"github.com/xenking/shop-ledger/internal/domain/loyalty"
	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/internal/domain/product"
	"github.com/xenking/shop-ledger/pkg/money"
)

// Config holds checkout pricing settings.
type Config struct {
	Currency    string
	DeliveryFee money.Money
	PickupFee   money.Money
	// BundleRate replaces discount.DefaultBundleRate for bundles without a rate.
	BundleRate decimal.Decimal
}

// Request is a checkout attempt.
type Request struct {
	Cart            cart.Cart
	CouponCode      string
	RedeemPoints    int64
	Bundles         []discount.Bundle
	ShippingAddress string
	DeliveryMethod  order.FulfillmentMethod
	PaymentMethod   order.PaymentMethod
	// CaptureID is set by trusted callers when a gateway payment was
	// captured before commit; the order is then created paid. Only
	// capturable payment methods may carry one.
	CaptureID string
}

// Quote is the priced cart before anything is written.
type Quote struct {
	Lines          []order.LineInput
	Subtotal       money.Money
	Bundles        discount.BundleResult
	Coupon         *discount.Result
	PointsUsed     int64
	PointsDiscount money.Money
	Shipping       money.Money
	Tax            money.Money
	Discount       money.Money
	Total          money.Money
}

// Result is a committed checkout.
type Result struct {
	Order *order.WithItems
	Quote *Quote
	// PointsAwarded is zero for unpaid orders.
	PointsAwarded int64
	Warnings      []string
}

// Deps are the collaborators of a Service.
type Deps struct {
	Products product.Repository
	Coupons  *discount.Engine
	Orders   *order.Service
	Points   *loyalty.Ledger
	Tx       order.TxRunner
	Meter    metric.Meter
	Tracer   trace.Tracer
}

// Service is the checkout orchestrator.
type Service struct {
	products product.Repository
	coupons  *discount.Engine
	orders   *order.Service
	points   *loyalty.Ledger
	tx       order.TxRunner
	tracer   trace.Tracer
	cfg      Config

	placed  metric.Int64Counter
	failed  metric.Int64Counter
	revenue metric.Float64Counter
	latency metric.Float64Histogram
}

// NewService creates a checkout Service.
func NewService(deps Deps, cfg Config) (*Service, error) {
	if cfg.BundleRate.IsZero() {
		cfg.BundleRate = discount.DefaultBundleRate
	}
	s := &Service{
		products: deps.Products,
		coupons:  deps.Coupons,
		orders:   deps.Orders,
		points:   deps.Points,
		tx:       deps.Tx,
		tracer:   deps.Tracer,
		cfg:      cfg,
	}

	var err error
	if s.placed, err = deps.Meter.Int64Counter("ledger.checkout.orders",
		metric.WithDescription("Orders placed"),
	); err != nil {
		return nil, errors.Wrap(err, "orders counter")
	}
	if s.failed, err = deps.Meter.Int64Counter("ledger.checkout.failures",
		metric.WithDescription("Checkouts rejected, by error kind"),
	); err != nil {
		return nil, errors.Wrap(err, "failures counter")
	}
	if s.revenue, err = deps.Meter.Float64Counter("ledger.checkout.revenue",
		metric.WithDescription("Order totals placed"),
	); err != nil {
		return nil, errors.Wrap(err, "revenue counter")
	}
	if s.latency, err = deps.Meter.Float64Histogram("ledger.checkout.duration",
		metric.WithDescription("Checkout duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, errors.Wrap(err, "duration histogram")
	}
	return s, nil
}

// Quote prices a checkout request without writing anything. Coupon
// ineligibility is returned as an error so callers can show the reason.
func (s *Service) Quote(ctx context.Context, req Request) (*Quote, error) {
	if err := req.Cart.Validate(); err != nil {
		return nil, err
	}
	if req.RedeemPoints < 0 {
		return nil, apperr.Validation("points to redeem must not be negative")
	}

	lines, err := s.reprice(ctx, req.Cart)
	if err != nil {
		return nil, err
	}
	cartLines := make([]cart.Line, len(lines))
	for i, l := range lines {
		cartLines[i] = l.Line
	}

	q := &Quote{Lines: lines, Subtotal: discount.CalculateSubtotal(cartLines)}

	if len(req.Bundles) > 0 {
		bundles := make([]discount.Bundle, len(req.Bundles))
		for i, b := range req.Bundles {
			if b.Rate.IsZero() {
				b.Rate = s.cfg.BundleRate
			}
			bundles[i] = b
		}
		q.Bundles = discount.CalculateBundleDiscount(cartLines, bundles)
	}

	if req.CouponCode != "" {
		res, err := s.coupons.Validate(ctx, discount.ValidateRequest{
			Code:     req.CouponCode,
			UserID:   req.Cart.UserID,
			Subtotal: q.Subtotal,
			Lines:    cartLines,
		})
		if err != nil {
			return nil, errors.Wrap(err, "validate coupon")
		}
		if err := res.Err(req.CouponCode); err != nil {
			return nil, err
		}
		q.Coupon = res
	}

	q.Discount = q.Bundles.Total
	if q.Coupon != nil {
		q.Discount = q.Discount.Add(q.Coupon.DiscountAmount)
	}
	q.Discount = money.Min(q.Discount, q.Subtotal)

	if req.RedeemPoints > 0 {
		// Spend only the points the remaining subtotal can absorb.
		room := q.Subtotal.Sub(q.Discount)
		perPoint := s.points.ValueOf(1)
		q.PointsUsed = min(req.RedeemPoints, room.Cents()/perPoint.Cents())
		q.PointsDiscount = s.points.ValueOf(q.PointsUsed)
		q.Discount = q.Discount.Add(q.PointsDiscount)
	}

	q.Shipping = s.ShippingFee(req.DeliveryMethod)
	q.Tax = s.orders.Tax(q.Subtotal)
	q.Total = order.ComputeTotal(q.Subtotal, q.Tax, q.Shipping, q.Discount)
	return q, nil
}

// Checkout commits the order. Stock, coupon usage and points are all written
// in the order's transaction; any failure leaves no trace. Points for a paid
// order are awarded after commit and never fail the checkout.
func (s *Service) Checkout(ctx context.Context, req Request) (_ *Result, rerr error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "checkout.Checkout",
		trace.WithAttributes(
			attribute.Int64("user.id", req.Cart.UserID),
			attribute.Int("cart.lines", len(req.Cart.Lines)),
		),
	)
	defer func() {
		if rerr != nil {
			kind := apperr.KindOf(rerr)
			s.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		s.latency.Record(ctx, time.Since(start).Seconds())
		span.End()
	}()

	if req.CaptureID != "" && !req.PaymentMethod.Capturable() {
		return nil, apperr.Validation("payment method %q has no gateway capture", req.PaymentMethod)
	}
	q, err := s.Quote(ctx, req)
	if err != nil {
		return nil, err
	}

	paymentStatus := order.PaymentPending
	if req.CaptureID != "" {
		paymentStatus = order.PaymentPaid
	}
	promo := ""
	if q.Coupon != nil {
		promo = q.Coupon.Coupon.Code
	}

	var created *order.WithItems
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.orders.Create(ctx, order.CreateRequest{
			UserID:          req.Cart.UserID,
			Lines:           q.Lines,
			ShippingAddress: req.ShippingAddress,
			ShippingAmount:  q.Shipping,
			DiscountAmount:  q.Discount,
			PromoCode:       promo,
			DeliveryMethod:  req.DeliveryMethod,
			PaymentMethod:   req.PaymentMethod,
			PaymentStatus:   paymentStatus,
			CaptureID:       req.CaptureID,
			Currency:        s.cfg.Currency,
		})
		if err != nil {
			return err
		}
		if q.Coupon != nil {
			if err := s.coupons.Redeem(ctx, q.Coupon.Coupon.ID, req.Cart.UserID, created.ID, q.Coupon.DiscountAmount); err != nil {
				return err
			}
		}
		if q.PointsUsed > 0 {
			if _, err := s.points.RedeemForOrder(ctx, req.Cart.UserID, created.ID, q.PointsUsed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("order.number", created.OrderNumber))
	s.placed.Add(ctx, 1, metric.WithAttributes(attribute.String("payment.method", string(req.PaymentMethod))))
	s.revenue.Add(ctx, created.TotalAmount.Float64())

	lg := zctx.From(ctx)
	lg.Info("Order placed",
		zap.Int64("order_id", created.ID),
		zap.String("order_number", created.OrderNumber),
		zap.String("total", created.TotalAmount.String()),
	)

	res := &Result{Order: created, Quote: q}
	if paymentStatus == order.PaymentPaid {
		t, err := s.points.AwardForPaidOrder(ctx, created.ID)
		if err != nil {
			lg.Warn("Award loyalty points", zap.Int64("order_id", created.ID), zap.Error(err))
			res.Warnings = append(res.Warnings, "Loyalty points will be credited later")
		} else if t != nil {
			res.PointsAwarded = t.Points
		}
	}
	return res, nil
}

// ConfirmPayment marks an order paid once the gateway capture is known and
// awards its loyalty points. Repeated confirmations are harmless.
func (s *Service) ConfirmPayment(ctx context.Context, orderID int64, captureID string) (*Result, error) {
	o, changed, err := s.orders.MarkPaid(ctx, orderID, captureID)
	if err != nil {
		return nil, err
	}
	if changed {
		zctx.From(ctx).Info("Payment confirmed",
			zap.Int64("order_id", o.ID),
			zap.String("capture_id", o.CaptureID),
		)
	}
	res := &Result{Order: &order.WithItems{Order: *o}}
	t, err := s.points.AwardForPaidOrder(ctx, o.ID)
	if err != nil {
		zctx.From(ctx).Warn("Award loyalty points", zap.Int64("order_id", o.ID), zap.Error(err))
		res.Warnings = append(res.Warnings, "Loyalty points will be credited later")
	} else if t != nil {
		res.PointsAwarded = t.Points
	}
	return res, nil
}

// reprice replaces cart prices with current catalog prices. Cart prices are
// never trusted.
func (s *Service) reprice(ctx context.Context, c cart.Cart) ([]order.LineInput, error) {
	products, err := s.products.GetByIDs(ctx, c.ProductIDs())
	if err != nil {
		return nil, errors.Wrap(err, "load products")
	}
	byID := make(map[int64]product.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	out := make([]order.LineInput, 0, len(c.Lines))
	for _, l := range c.Lines {
		p, ok := byID[l.ProductID]
		if !ok {
			return nil, apperr.NotFound("product %d not found", l.ProductID)
		}
		if !p.Active {
			return nil, apperr.Validation("%s is no longer available", p.Name)
		}
		l.UnitPrice = p.UnitPrice()
		l.DiscountPercent = p.SalePercent
		l.BrandID = p.BrandID
		out = append(out, order.LineInput{Line: l, ProductName: p.Name})
	}
	return out, nil
}

// ShippingFee returns the configured fee for a fulfillment method.
func (s *Service) ShippingFee(m order.FulfillmentMethod) money.Money {
	if m == order.FulfillmentPickup {
		return s.cfg.PickupFee
	}
	return s.cfg.DeliveryFee
}
