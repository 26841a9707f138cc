package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Addr:        "0.0.0.0:8080",
		DatabaseURL: "postgres://localhost/ledger",
		Pricing: PricingConfig{
			Currency:    "USD",
			TaxRate:     "0.08",
			BundleRate:  "0.10",
			DeliveryFee: "5.00",
			PickupFee:   "0",
		},
		Refunds: RefundConfig{Window: 336 * time.Hour, ReturnWindow: 168 * time.Hour},
		Loyalty: LoyaltyConfig{PointsPerUnit: 1, PointValue: "0.01", VoucherValidity: time.Hour},
	}
}

func TestPricingConfig_Parse(t *testing.T) {
	cfg := validConfig()
	p, err := cfg.Pricing.Parse()
	require.NoError(t, err)
	assert.Equal(t, "0.08", p.TaxRate.String())
	assert.Equal(t, "5.00", p.DeliveryFee.String())
	assert.True(t, p.PickupFee.IsZero())

	cfg.Pricing.TaxRate = "-0.1"
	_, err = cfg.Pricing.Parse()
	assert.Error(t, err)

	cfg = validConfig()
	cfg.Pricing.DeliveryFee = "five"
	_, err = cfg.Pricing.Parse()
	assert.Error(t, err)
}

func TestLoyaltyConfig_Parse(t *testing.T) {
	cfg := validConfig()
	l, err := cfg.Loyalty.Parse()
	require.NoError(t, err)
	assert.EqualValues(t, 1, l.PointValue.Cents())
	assert.Equal(t, time.Hour, l.VoucherValidity)

	cfg.Loyalty.PointValue = "0"
	_, err = cfg.Loyalty.Parse()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.validate())

	cfg.DatabaseURL = ""
	assert.Error(t, cfg.validate())

	cfg = validConfig()
	cfg.Refunds.ReturnWindow = 0
	assert.Error(t, cfg.validate())
}

func TestApplyPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("PORT", "9000")

	cfg := Config{Addr: "0.0.0.0:8080"}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://platform/db", cfg.DatabaseURL)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)

	cfg = Config{Addr: "127.0.0.1:1234", DatabaseURL: "postgres://explicit/db"}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://explicit/db", cfg.DatabaseURL)
	assert.Equal(t, "127.0.0.1:1234", cfg.Addr)
}
