// Command api-server serves the storefront ledger API.
package main

import (
	"context"

	sdkapp "github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/shop-ledger/internal/app"
)

func main() {
	sdkapp.Run(func(ctx context.Context, lg *zap.Logger, m *sdkapp.Telemetry) error {
		cfg, err := app.LoadConfig()
		if err != nil {
			return err
		}
		lg.Info("Starting ledger API",
			zap.String("currency", cfg.Pricing.Currency),
			zap.Duration("refund_window", cfg.Refunds.Window),
		)
		return app.Run(ctx, lg, m, cfg)
	},
		sdkapp.WithServiceName(app.ServiceName),
		sdkapp.WithServiceNamespace("storefront"),
	)
}
