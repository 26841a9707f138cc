package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/shop-ledger/internal/domain/loyalty"
	"github.com/xenking/shop-ledger/internal/gateway"
	"github.com/xenking/shop-ledger/pkg/money"
)

// Config holds the complete application configuration, loadable from
// environment variables (LEDGER_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (LEDGER_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (LEDGER_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Pricing      PricingConfig
	Refunds      RefundConfig
	Loyalty      LoyaltyConfig
	Gateways     GatewaysConfig
	RateLimit    RateLimitConfig
	Graceful     GracefulConfig
}

// PricingConfig holds checkout pricing. Amounts are decimal strings so YAML
// and env values keep their cents exactly.
type PricingConfig struct {
	Currency    string `default:"USD" usage:"Order currency"`
	TaxRate     string `default:"0" usage:"Tax rate as a fraction of the subtotal (0.08 = 8%)" flag:"tax-rate"`
	BundleRate  string `default:"0.10" usage:"Default bundle discount rate" flag:"bundle-rate"`
	DeliveryFee string `default:"5.00" usage:"Shipping fee for delivery orders" flag:"delivery-fee"`
	PickupFee   string `default:"0" usage:"Fee for pickup orders" flag:"pickup-fee"`
}

// RefundConfig bounds the customer-facing refund and return flows.
type RefundConfig struct {
	Window       time.Duration `default:"336h" usage:"Refund window after order creation" flag:"refund-window"`
	ReturnWindow time.Duration `default:"168h" usage:"Return window after order creation" flag:"return-window"`
}

// LoyaltyConfig holds the points conversion rates.
type LoyaltyConfig struct {
	PointsPerUnit   int64         `default:"1" usage:"Points earned per whole currency unit paid"`
	PointValue      string        `default:"0.01" usage:"Discount one point buys"`
	VoucherValidity time.Duration `default:"2160h" usage:"Validity of vouchers bought with points"`
}

// GatewaysConfig lists the refund endpoints per provider. Providers without
// a base URL are not registered and their refunds fail as gateway errors.
type GatewaysConfig struct {
	PayPal gateway.Config
	Stripe gateway.Config
	NETS   gateway.Config
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max      int           `default:"100" usage:"Max requests per window"`
	WriteMax int           `default:"20"  usage:"Max non-GET requests per window" flag:"write-max"`
	Window   time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// Pricing is the parsed form of PricingConfig.
type Pricing struct {
	Currency    string
	TaxRate     decimal.Decimal
	BundleRate  decimal.Decimal
	DeliveryFee money.Money
	PickupFee   money.Money
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "LEDGER",
		Files:     []string{"config.yaml", "/etc/ledger/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set LEDGER_DATABASE_URL or DATABASE_URL")
	}
	if _, err := c.Pricing.Parse(); err != nil {
		return err
	}
	if _, err := c.Loyalty.Parse(); err != nil {
		return err
	}
	if c.Refunds.Window <= 0 || c.Refunds.ReturnWindow <= 0 {
		return errors.New("refund and return windows must be positive")
	}
	return nil
}

// Parse converts the decimal strings.
func (p PricingConfig) Parse() (Pricing, error) {
	out := Pricing{Currency: p.Currency}
	var err error
	if out.TaxRate, err = decimal.NewFromString(p.TaxRate); err != nil {
		return out, errors.Wrap(err, "tax rate")
	}
	if out.TaxRate.IsNegative() {
		return out, errors.New("tax rate must not be negative")
	}
	if out.BundleRate, err = decimal.NewFromString(p.BundleRate); err != nil {
		return out, errors.Wrap(err, "bundle rate")
	}
	if out.DeliveryFee, err = money.Parse(p.DeliveryFee); err != nil {
		return out, errors.Wrap(err, "delivery fee")
	}
	if out.PickupFee, err = money.Parse(p.PickupFee); err != nil {
		return out, errors.Wrap(err, "pickup fee")
	}
	return out, nil
}

// Parse converts the config into ledger settings.
func (l LoyaltyConfig) Parse() (loyalty.Config, error) {
	value, err := money.Parse(l.PointValue)
	if err != nil {
		return loyalty.Config{}, errors.Wrap(err, "point value")
	}
	if !value.IsPositive() {
		return loyalty.Config{}, errors.New("point value must be positive")
	}
	return loyalty.Config{
		PointsPerUnit:   l.PointsPerUnit,
		PointValue:      value,
		VoucherValidity: l.VoucherValidity,
	}, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's LEDGER_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
