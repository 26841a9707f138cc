//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/auth"
	"github.com/xenking/shop-ledger/internal/domain/cart"
	"github.com/xenking/shop-ledger/internal/domain/checkout"
	"github.com/xenking/shop-ledger/internal/domain/discount"
	"github.com/xenking/shop-ledger/internal/domain/inventory"
	"github.com/xenking/shop-ledger/internal/domain/loyalty"
	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/internal/domain/product"
	"github.com/xenking/shop-ledger/internal/domain/refund"
	"github.com/xenking/shop-ledger/internal/storage/postgres"
	"github.com/xenking/shop-ledger/pkg/money"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "ledger",
				"POSTGRES_PASSWORD": "ledger",
				"POSTGRES_DB":       "ledger",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := ctr.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://ledger:ledger@%s:%s/ledger?sslmode=disable", host, port.Port())
	pool, err = postgres.NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	// Applying the schema twice must be harmless.
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("migrations rerun: %v", err)
	}

	return m.Run()
}

type stack struct {
	db       *postgres.DB
	products *postgres.ProductRepository
	stock    *postgres.StockRepository
	coupons  *postgres.CouponRepository
	orders   *postgres.OrderRepository
	refunds  *postgres.RefundRepository
	loyalty  *postgres.LoyaltyRepository

	points   *loyalty.Ledger
	checkout *checkout.Service
	refund   *refund.Service
}

func newStack(t *testing.T) *stack {
	t.Helper()
	db := postgres.NewDB(pool)
	s := &stack{
		db:       db,
		products: postgres.NewProductRepository(db),
		stock:    postgres.NewStockRepository(db),
		coupons:  postgres.NewCouponRepository(db),
		orders:   postgres.NewOrderRepository(db),
		refunds:  postgres.NewRefundRepository(db),
		loyalty:  postgres.NewLoyaltyRepository(db),
	}
	meter := metricnoop.NewMeterProvider().Meter("test")
	tracer := tracenoop.NewTracerProvider().Tracer("test")

	stockLedger := inventory.NewLedger(s.stock)
	orders := order.NewService(s.orders, stockLedger, db, decimal.Zero)
	s.points = loyalty.NewLedger(s.loyalty, db, s.orders, s.coupons, loyalty.DefaultConfig())

	var err error
	s.checkout, err = checkout.NewService(checkout.Deps{
		Products: s.products,
		Coupons:  discount.NewEngine(s.coupons),
		Orders:   orders,
		Points:   s.points,
		Tx:       db,
		Meter:    meter,
		Tracer:   tracer,
	}, checkout.Config{Currency: "USD", DeliveryFee: money.FromInt(5)})
	require.NoError(t, err)

	s.refund, err = refund.NewService(refund.Deps{
		Orders:  s.orders,
		Refunds: s.refunds,
		Returns: s.refunds,
		Tx:      db,
		Stock:   stockLedger,
		Points:  s.points,
		Meter:   meter,
		Tracer:  tracer,
	}, refund.Config{})
	require.NoError(t, err)
	return s
}

func (s *stack) product(t *testing.T, price money.Money, qty int) (product.Product, inventory.Variant) {
	t.Helper()
	ctx := context.Background()
	p := product.Product{Name: t.Name(), Price: price, Active: true}
	id, err := s.products.Insert(ctx, &p)
	require.NoError(t, err)
	p.ID = id

	v := inventory.Variant{ProductID: id, Size: "M", Quantity: qty}
	v.ID, err = s.stock.InsertVariant(ctx, &v)
	require.NoError(t, err)
	return p, v
}

func (s *stack) user(t *testing.T, balance int64) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := s.loyalty.CreateUser(ctx, fmt.Sprintf("%s-%d@example.com", t.Name(), time.Now().UnixNano()))
	require.NoError(t, err)
	_, err = s.points.OpenBalance(ctx, id, balance)
	require.NoError(t, err)
	return id
}

func TestCheckout_PersistsOrderAndDecrementsStock(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	p, v := s.product(t, money.MustParse("19.99"), 5)
	uid := s.user(t, 0)

	res, err := s.checkout.Checkout(ctx, checkout.Request{
		Cart:           cart.Cart{UserID: uid, Lines: []cart.Line{{ProductID: p.ID, VariantID: &v.ID, Quantity: 2}}},
		DeliveryMethod: order.FulfillmentPickup,
		PaymentMethod:  order.PaymentManual,
	})
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("39.98"), res.Order.TotalAmount)
	paid, err := s.checkout.ConfirmPayment(ctx, res.Order.ID, "CASH-1")
	require.NoError(t, err)

	stored, err := s.orders.GetByID(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, money.MustParse("39.98"), stored.TotalAmount)

	items, err := s.orders.ItemsByOrderIDs(ctx, []int64{stored.ID})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, money.MustParse("19.99"), items[0].UnitPrice)

	locked, err := s.stock.LockVariant(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, locked.Quantity)

	balance, err := s.points.Balance(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, paid.PointsAwarded, balance)
}

func TestCheckout_CouponUsageLimitUnderConcurrency(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	p, v := s.product(t, money.FromInt(10), 100)

	limit := 2
	code := fmt.Sprintf("LIMIT%d", time.Now().UnixNano())
	_, err := s.coupons.Create(ctx, &discount.Coupon{
		Code:         code,
		DiscountType: discount.DiscountFixedAmount,
		Value:        decimal.NewFromInt(1),
		UsageLimit:   &limit,
		IsActive:     true,
	})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for range 6 {
		uid := s.user(t, 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.checkout.Checkout(ctx, checkout.Request{
				Cart:           cart.Cart{UserID: uid, Lines: []cart.Line{{ProductID: p.ID, VariantID: &v.ID, Quantity: 1}}},
				CouponCode:     code,
				DeliveryMethod: order.FulfillmentPickup,
				PaymentMethod:  order.PaymentManual,
			})
			if err == nil {
				accepted.Add(1)
				return
			}
			assert.Equal(t, apperr.KindCouponIneligible, apperr.KindOf(err), err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, limit, accepted.Load())
	c, err := s.coupons.FindByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, limit, c.UsageCount)
}

func TestAdminRefund_ConcurrentNeverExceedsTotal(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	p, v := s.product(t, money.FromInt(50), 10)
	uid := s.user(t, 0)

	res, err := s.checkout.Checkout(ctx, checkout.Request{
		Cart:           cart.Cart{UserID: uid, Lines: []cart.Line{{ProductID: p.ID, VariantID: &v.ID, Quantity: 1}}},
		DeliveryMethod: order.FulfillmentPickup,
		PaymentMethod:  order.PaymentManual,
	})
	require.NoError(t, err)
	_, err = s.checkout.ConfirmPayment(ctx, res.Order.ID, "CASH-2")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.refund.AdminRefund(ctx, refund.AdminRefundRequest{
				OrderID: res.Order.ID,
				Amount:  money.FromInt(20),
				Actor:   "ops",
			})
		}()
	}
	wg.Wait()

	stored, err := s.orders.GetByID(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.False(t, stored.RefundedAmount.Sub(stored.TotalAmount).IsPositive(), "refunded %s of %s", stored.RefundedAmount, stored.TotalAmount)

	postings, err := s.refunds.PostingsByOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	var sum money.Money
	for _, p := range postings {
		assert.Equal(t, refund.ManualReference, p.GatewayRef)
		sum = sum.Add(p.Amount)
	}
	assert.Equal(t, stored.RefundedAmount, sum)
}

func TestLoyalty_AwardIsIdempotent(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	p, v := s.product(t, money.FromInt(30), 10)
	uid := s.user(t, 0)

	res, err := s.checkout.Checkout(ctx, checkout.Request{
		Cart:           cart.Cart{UserID: uid, Lines: []cart.Line{{ProductID: p.ID, VariantID: &v.ID, Quantity: 1}}},
		DeliveryMethod: order.FulfillmentPickup,
		PaymentMethod:  order.PaymentManual,
	})
	require.NoError(t, err)
	assert.Zero(t, res.PointsAwarded)

	first, err := s.checkout.ConfirmPayment(ctx, res.Order.ID, "CASH-3")
	require.NoError(t, err)
	assert.EqualValues(t, 30, first.PointsAwarded)

	second, err := s.checkout.ConfirmPayment(ctx, res.Order.ID, "CASH-3")
	require.NoError(t, err)
	assert.Zero(t, second.PointsAwarded)

	drift, err := s.points.VerifyBalance(ctx, uid)
	require.NoError(t, err)
	assert.True(t, drift.Consistent())
	assert.EqualValues(t, 30, drift.Cached)
}

func TestLoyalty_OpeningBalanceIsLedgered(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	uid := s.user(t, 1000)

	again, err := s.points.OpenBalance(ctx, uid, 1000)
	require.NoError(t, err)
	assert.Nil(t, again)

	drift, err := s.points.VerifyBalance(ctx, uid)
	require.NoError(t, err)
	assert.True(t, drift.Consistent(), "cached %d, derived %d", drift.Cached, drift.Derived)
	assert.EqualValues(t, 1000, drift.Cached)
}

func TestRunMigrations_DeclaresRefundCeiling(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	p, v := s.product(t, money.FromInt(10), 1)
	uid := s.user(t, 0)

	res, err := s.checkout.Checkout(ctx, checkout.Request{
		Cart:           cart.Cart{UserID: uid, Lines: []cart.Line{{ProductID: p.ID, VariantID: &v.ID, Quantity: 1}}},
		DeliveryMethod: order.FulfillmentPickup,
		PaymentMethod:  order.PaymentManual,
	})
	require.NoError(t, err)

	_, err = s.orders.AddRefunded(ctx, res.Order.ID, money.FromInt(11))
	require.Error(t, err, "refunded_amount above total must be rejected")
}

func TestAPIKeyRepository_UpsertAndFind(t *testing.T) {
	ctx := context.Background()
	keys := postgres.NewAPIKeyRepository(postgres.NewDB(pool))
	pepper := []byte("pepper")

	info := auth.APIKeyInfo{
		ID:      "ops",
		KeyHash: auth.HashKey(pepper, "first-secret"),
		Name:    "Operations",
		Scopes:  []string{auth.ScopeAdmin},
	}
	require.NoError(t, keys.Upsert(ctx, info))

	got, err := keys.FindByHash(ctx, info.KeyHash)
	require.NoError(t, err)
	assert.Equal(t, "Operations", got.Name)
	assert.True(t, got.HasScope(auth.ScopeAdmin))

	// Rotating the key replaces the stored hash.
	info.KeyHash = auth.HashKey(pepper, "second-secret")
	require.NoError(t, keys.Upsert(ctx, info))
	_, err = keys.FindByHash(ctx, auth.HashKey(pepper, "first-secret"))
	require.ErrorIs(t, err, auth.ErrNotFound)

	a := auth.NewAuthenticator(keys, pepper)
	_, err = a.Authenticate(ctx, "second-secret")
	require.NoError(t, err)
}
