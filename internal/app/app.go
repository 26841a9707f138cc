// Package app wires configuration, storage, domain services and the HTTP
// server into the ledger API process.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/shop-ledger/internal/domain/auth"
	"github.com/xenking/shop-ledger/internal/domain/checkout"
	"github.com/xenking/shop-ledger/internal/domain/discount"
	"github.com/xenking/shop-ledger/internal/domain/inventory"
	"github.com/xenking/shop-ledger/internal/domain/loyalty"
	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/internal/domain/refund"
	"github.com/xenking/shop-ledger/internal/gateway"
	"github.com/xenking/shop-ledger/internal/handler"
	"github.com/xenking/shop-ledger/internal/storage/postgres"
	"github.com/xenking/shop-ledger/pkg/health"
	"github.com/xenking/shop-ledger/pkg/httpmiddleware"
)

// ServiceName names the process in telemetry.
const ServiceName = "shop-ledger"

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pricing, err := cfg.Pricing.Parse()
	if err != nil {
		return errors.Wrap(err, "pricing config")
	}
	points, err := cfg.Loyalty.Parse()
	if err != nil {
		return errors.Wrap(err, "loyalty config")
	}

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc", time.Second, health.GCMaxPauseCheck(time.Second))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	gateways, err := newGateways(cfg.Gateways, m)
	if err != nil {
		return err
	}
	lg.Info("Refund gateways", zap.Any("methods", gateways.Methods()))

	// Repositories.
	db := postgres.NewDB(pool)
	products := postgres.NewProductRepository(db)
	stockRepo := postgres.NewStockRepository(db)
	couponRepo := postgres.NewCouponRepository(db)
	orderRepo := postgres.NewOrderRepository(db)
	refundRepo := postgres.NewRefundRepository(db)
	loyaltyRepo := postgres.NewLoyaltyRepository(db)
	apikeyRepo := postgres.NewAPIKeyRepository(db)

	// Domain services.
	meter := m.MeterProvider().Meter(ServiceName)
	tracer := m.TracerProvider().Tracer(ServiceName)
	stock := inventory.NewLedger(stockRepo)
	coupons := discount.NewEngine(couponRepo)
	orders := order.NewService(orderRepo, stock, db, pricing.TaxRate)
	ledger := loyalty.NewLedger(loyaltyRepo, db, orderRepo, couponRepo, points)

	checkoutSvc, err := checkout.NewService(checkout.Deps{
		Products: products,
		Coupons:  coupons,
		Orders:   orders,
		Points:   ledger,
		Tx:       db,
		Meter:    meter,
		Tracer:   tracer,
	}, checkout.Config{
		Currency:    pricing.Currency,
		DeliveryFee: pricing.DeliveryFee,
		PickupFee:   pricing.PickupFee,
		BundleRate:  pricing.BundleRate,
	})
	if err != nil {
		return errors.Wrap(err, "create checkout service")
	}
	refundSvc, err := refund.NewService(refund.Deps{
		Orders:   orderRepo,
		Refunds:  refundRepo,
		Returns:  refundRepo,
		Tx:       db,
		Gateways: gateways,
		Stock:    stock,
		Points:   ledger,
		Meter:    meter,
		Tracer:   tracer,
	}, refund.Config{
		RefundWindow: cfg.Refunds.Window,
		ReturnWindow: cfg.Refunds.ReturnWindow,
	})
	if err != nil {
		return errors.Wrap(err, "create refund service")
	}

	// HTTP handlers.
	h := handler.New(handler.Deps{
		Checkout: checkoutSvc,
		Orders:   orders,
		Refunds:  refundSvc,
		Points:   ledger,
		Coupons:  coupons,
		Auth:     auth.NewAuthenticator(apikeyRepo, []byte(cfg.APIKeyPepper)),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)
	routeFinder := httpmiddleware.MakeRouteFinder(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Refund approval waits on the gateway.
		WriteTimeout:   45 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:         cfg.RateLimit.Max,
				WriteMax:    cfg.RateLimit.WriteMax,
				Window:      cfg.RateLimit.Window,
				KeyFunc:     httpmiddleware.HeaderOrIPKey(handler.UserIDHeader),
				ExemptPaths: []string{"/livez", "/readyz"},
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument(ServiceName, routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newGateways registers a client for every provider with a base URL.
func newGateways(cfg GatewaysConfig, m *app.Telemetry) (*gateway.Registry, error) {
	reg := gateway.NewRegistry()
	for method, gc := range map[order.PaymentMethod]gateway.Config{
		order.PaymentPayPal: cfg.PayPal,
		order.PaymentStripe: cfg.Stripe,
		order.PaymentNETS:   cfg.NETS,
	} {
		if gc.BaseURL == "" {
			continue
		}
		c, err := gateway.New(string(method), gc, m.TracerProvider())
		if err != nil {
			return nil, errors.Wrapf(err, "create %s gateway", method)
		}
		reg.Register(method, c)
	}
	return reg, nil
}
