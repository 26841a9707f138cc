package checkout_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/cart"
	"github.com/xenking/shop-ledger/internal/domain/checkout"
	"github.com/xenking/shop-ledger/internal/domain/discount"
	"github.com/xenking/shop-ledger/internal/domain/inventory"
	"github.com/xenking/shop-ledger/internal/domain/loyalty"
	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/internal/domain/product"
	"github.com/xenking/shop-ledger/internal/storage/memstore"
	"github.com/xenking/shop-ledger/pkg/money"
)

const userID = 7

type env struct {
	st     *memstore.Store
	svc    *checkout.Service
	points *loyalty.Ledger

	shirt, hat         product.Product
	shirtStock, hatStk inventory.Variant
	coupon             discount.Coupon
}

func newEnv(t *testing.T, taxRate string) *env {
	t.Helper()
	st := memstore.New()
	e := &env{st: st}
	st.AddUser(userID, 1000)

	e.shirt = st.AddProduct(product.Product{Name: "Shirt", Price: money.FromInt(40), Active: true})
	e.hat = st.AddProduct(product.Product{Name: "Hat", Price: money.FromInt(25), SalePercent: decimal.NewFromInt(20), Active: true})
	e.shirtStock = st.AddVariant(inventory.Variant{ProductID: e.shirt.ID, Size: "M", Quantity: 50})
	e.hatStk = st.AddVariant(inventory.Variant{ProductID: e.hat.ID, Quantity: 1})
	e.coupon = st.AddCoupon(discount.Coupon{
		Code:         "SAVE10",
		DiscountType: discount.DiscountPercentage,
		Value:        decimal.NewFromInt(10),
		IsActive:     true,
	})

	orders := order.NewService(st.Orders(), inventory.NewLedger(st.Stock()), st, decimal.RequireFromString(taxRate))
	e.points = loyalty.NewLedger(st.Loyalty(), st, st.Orders(), st.Coupons(), loyalty.DefaultConfig())
	svc, err := checkout.NewService(checkout.Deps{
		Products: st.Products(),
		Coupons:  discount.NewEngine(st.Coupons()),
		Orders:   orders,
		Points:   e.points,
		Tx:       st,
		Meter:    metricnoop.NewMeterProvider().Meter("test"),
		Tracer:   tracenoop.NewTracerProvider().Tracer("test"),
	}, checkout.Config{
		Currency:    "USD",
		DeliveryFee: money.FromInt(5),
		PickupFee:   money.Zero,
	})
	require.NoError(t, err)
	e.svc = svc
	return e
}

// basket is 2 shirts at 40.00 and a hat marked down from 25.00 to 20.00.
func (e *env) basket(user int64) cart.Cart {
	return cart.Cart{UserID: user, Lines: []cart.Line{
		{ProductID: e.shirt.ID, Quantity: 2, UnitPrice: money.FromInt(1)},
		{ProductID: e.hat.ID, Quantity: 1},
	}}
}

func (e *env) balance(t *testing.T) int64 {
	t.Helper()
	b, err := e.points.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func TestQuote(t *testing.T) {
	e := newEnv(t, "0")

	q, err := e.svc.Quote(context.Background(), checkout.Request{
		Cart:         e.basket(userID),
		CouponCode:   "save10",
		RedeemPoints: 500,
		Bundles:      []discount.Bundle{{Name: "outfit", ProductIDs: []int64{e.shirt.ID, e.hat.ID}}},
	})
	require.NoError(t, err)

	assert.Equal(t, money.FromInt(100), q.Subtotal)
	assert.Equal(t, money.FromInt(40), q.Lines[0].UnitPrice, "catalog price wins over cart price")
	assert.Equal(t, money.FromInt(20), q.Lines[1].UnitPrice)
	assert.Equal(t, money.FromInt(6), q.Bundles.Total)
	require.NotNil(t, q.Coupon)
	assert.Equal(t, money.FromInt(10), q.Coupon.DiscountAmount)
	assert.Equal(t, int64(500), q.PointsUsed)
	assert.Equal(t, money.FromInt(5), q.PointsDiscount)
	assert.Equal(t, money.FromInt(21), q.Discount)
	assert.Equal(t, money.FromInt(5), q.Shipping)
	assert.Equal(t, money.FromInt(84), q.Total)

	assert.Equal(t, 1, e.st.VariantQuantity(e.hatStk.ID), "quote writes nothing")
	assert.Equal(t, int64(1000), e.balance(t))
}

func TestQuote_PointsLimitedToRemainingSubtotal(t *testing.T) {
	e := newEnv(t, "0")
	e.st.AddUser(userID, 1_000_000)

	q, err := e.svc.Quote(context.Background(), checkout.Request{
		Cart:         e.basket(userID),
		CouponCode:   "SAVE10",
		RedeemPoints: 50_000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9000), q.PointsUsed)
	assert.Equal(t, q.Subtotal, q.Discount)
	assert.Equal(t, money.FromInt(5), q.Total)
}

func TestQuote_Rejections(t *testing.T) {
	e := newEnv(t, "0")
	ctx := context.Background()
	retired := e.st.AddProduct(product.Product{Name: "Old", Price: money.FromInt(5)})

	tests := []struct {
		name string
		req  checkout.Request
		kind apperr.Kind
	}{
		{"empty cart", checkout.Request{Cart: cart.Cart{UserID: userID}}, apperr.KindValidation},
		{"unknown product", checkout.Request{Cart: cart.Cart{UserID: userID, Lines: []cart.Line{{ProductID: 999, Quantity: 1}}}}, apperr.KindNotFound},
		{"inactive product", checkout.Request{Cart: cart.Cart{UserID: userID, Lines: []cart.Line{{ProductID: retired.ID, Quantity: 1}}}}, apperr.KindValidation},
		{"unknown coupon", checkout.Request{Cart: e.basket(userID), CouponCode: "NOPE"}, apperr.KindCouponIneligible},
		{"negative points", checkout.Request{Cart: e.basket(userID), RedeemPoints: -1}, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Quote(ctx, tt.req)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestCheckout_Unpaid(t *testing.T) {
	e := newEnv(t, "0.10")
	ctx := context.Background()

	res, err := e.svc.Checkout(ctx, checkout.Request{
		Cart:            e.basket(userID),
		CouponCode:      "SAVE10",
		RedeemPoints:    200,
		ShippingAddress: "1 Main St",
		PaymentMethod:   order.PaymentCOD,
	})
	require.NoError(t, err)
	o := res.Order

	// 100 + 10 tax + 5 shipping - 10 coupon - 2 points
	assert.Equal(t, money.FromInt(103), o.TotalAmount)
	assert.Equal(t, money.FromInt(12), o.DiscountAmount)
	assert.Equal(t, "SAVE10", o.PromoCode)
	assert.Equal(t, order.PaymentPending, o.PaymentStatus)
	assert.Equal(t, "USD", o.Currency)
	require.Len(t, o.Items, 2)
	assert.Equal(t, e.shirtStock.ID, o.Items[0].VariantID)
	assert.Zero(t, res.PointsAwarded)

	assert.Equal(t, 48, e.st.VariantQuantity(e.shirtStock.ID))
	assert.Equal(t, 0, e.st.VariantQuantity(e.hatStk.ID))
	c, _ := e.st.Coupon(e.coupon.ID)
	assert.Equal(t, 1, c.UsageCount)
	require.Len(t, e.st.Usages(), 1)
	assert.Equal(t, o.ID, e.st.Usages()[0].OrderID)
	assert.Equal(t, int64(800), e.balance(t))
}

func TestCheckout_PaidAwardsPoints(t *testing.T) {
	e := newEnv(t, "0")

	res, err := e.svc.Checkout(context.Background(), checkout.Request{
		Cart:           e.basket(userID),
		DeliveryMethod: order.FulfillmentPickup,
		PaymentMethod:  order.PaymentStripe,
		CaptureID:      "CAP-9",
	})
	require.NoError(t, err)
	assert.Equal(t, order.PaymentPaid, res.Order.PaymentStatus)
	assert.Equal(t, money.FromInt(100), res.Order.TotalAmount)
	assert.Equal(t, int64(100), res.PointsAwarded)
	assert.Equal(t, int64(1100), e.balance(t))
}

func TestCheckout_FailureLeavesNoTrace(t *testing.T) {
	e := newEnv(t, "0")
	c := e.basket(userID)
	c.Lines[1].Quantity = 2

	_, err := e.svc.Checkout(context.Background(), checkout.Request{
		Cart:         c,
		CouponCode:   "SAVE10",
		RedeemPoints: 100,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInsufficientStock, apperr.KindOf(err))

	assert.Zero(t, e.st.OrderCount())
	assert.Equal(t, 50, e.st.VariantQuantity(e.shirtStock.ID))
	assert.Empty(t, e.st.Usages())
	assert.Equal(t, int64(1000), e.balance(t))
	require.Len(t, e.st.Transactions(userID), 1)
	assert.Equal(t, loyalty.ReasonOpeningBalance, e.st.Transactions(userID)[0].Reason)
}

func TestCheckout_CaptureIDNeedsGatewayMethod(t *testing.T) {
	e := newEnv(t, "0")

	for _, method := range []order.PaymentMethod{order.PaymentCOD, order.PaymentManual} {
		_, err := e.svc.Checkout(context.Background(), checkout.Request{
			Cart:          e.basket(userID),
			PaymentMethod: method,
			CaptureID:     "FAKE-1",
		})
		require.Error(t, err, method)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), method)
	}
	assert.Zero(t, e.st.OrderCount())
	assert.Equal(t, int64(1000), e.balance(t))
}

func TestCheckout_CouponUsageLimitHoldsUnderConcurrency(t *testing.T) {
	e := newEnv(t, "0")
	limit := 3
	e.st.AddCoupon(discount.Coupon{
		Code:         "FIRST3",
		DiscountType: discount.DiscountFixedAmount,
		Value:        decimal.NewFromInt(5),
		UsageLimit:   &limit,
		IsActive:     true,
	})

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Checkout(context.Background(), checkout.Request{
				Cart: cart.Cart{UserID: int64(100 + i), Lines: []cart.Line{
					{ProductID: e.shirt.ID, Quantity: 1},
				}},
				CouponCode: "FIRST3",
			})
			if err == nil {
				ok.Add(1)
				return
			}
			assert.Equal(t, apperr.KindCouponIneligible, apperr.KindOf(err))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(limit), ok.Load())
	assert.Len(t, e.st.Usages(), limit)
	assert.Equal(t, limit, e.st.OrderCount())
}

func TestConfirmPayment(t *testing.T) {
	e := newEnv(t, "0")
	ctx := context.Background()

	res, err := e.svc.Checkout(ctx, checkout.Request{Cart: e.basket(userID), PaymentMethod: order.PaymentPayPal})
	require.NoError(t, err)

	confirmed, err := e.svc.ConfirmPayment(ctx, res.Order.ID, "CAP-1")
	require.NoError(t, err)
	assert.Equal(t, order.PaymentPaid, confirmed.Order.PaymentStatus)
	assert.Equal(t, "CAP-1", confirmed.Order.CaptureID)
	assert.Equal(t, int64(105), confirmed.PointsAwarded)

	again, err := e.svc.ConfirmPayment(ctx, res.Order.ID, "CAP-1")
	require.NoError(t, err)
	assert.Zero(t, again.PointsAwarded)
	assert.Equal(t, int64(1105), e.balance(t))
}
