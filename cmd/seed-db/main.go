package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/auth"
	"github.com/xenking/shop-ledger/internal/domain/discount"
	"github.com/xenking/shop-ledger/internal/domain/inventory"
	"github.com/xenking/shop-ledger/internal/domain/loyalty"
	"github.com/xenking/shop-ledger/internal/domain/product"
	"github.com/xenking/shop-ledger/internal/storage/postgres"
	"github.com/xenking/shop-ledger/pkg/money"
)

// catalogJSON is the layout of the seed file.
type catalogJSON struct {
	Products []productJSON `json:"products"`
	Users    []userJSON    `json:"users"`
	Coupons  []couponJSON  `json:"coupons"`
}

type productJSON struct {
	Name        string          `json:"name"`
	Brand       string          `json:"brand"`
	Price       string          `json:"price"`
	SalePercent decimal.Decimal `json:"sale_percent"`
	Variants    []struct {
		Size     string `json:"size"`
		Color    string `json:"color"`
		Quantity int    `json:"quantity"`
	} `json:"variants"`
}

type userJSON struct {
	Email  string `json:"email"`
	Points int64  `json:"points"`
}

type couponJSON struct {
	Code           string          `json:"code"`
	Description    string          `json:"description"`
	Type           string          `json:"type"`
	Value          decimal.Decimal `json:"value"`
	MinOrderAmount string          `json:"min_order_amount"`
	MaxDiscount    string          `json:"max_discount"`
	Brand          string          `json:"brand"`
	UsageLimit     *int            `json:"usage_limit"`
	PerUserLimit   *int            `json:"per_user_limit"`
	ValidDays      int             `json:"valid_days"`
}

func main() {
	var (
		databaseURL  string
		catalogFile  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to catalog JSON file")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or LEDGER_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or LEDGER_API_KEY_PEPPER env)")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("database URL is required: set --database-url or DATABASE_URL")
	}
	if apiKey == "" {
		apiKey = os.Getenv("LEDGER_SEED_API_KEY")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("LEDGER_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, catalogFile, apiKey, apiKeyPepper); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}

	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, catalogFile, apiKey, pepper string) error {
	data, err := os.ReadFile(catalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog file")
	}
	var catalog catalogJSON
	if err := json.Unmarshal(data, &catalog); err != nil {
		return errors.Wrap(err, "parse catalog JSON")
	}

	lg.Info("Connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	db := postgres.NewDB(pool)
	users := postgres.NewLoyaltyRepository(db)
	coupons := postgres.NewCouponRepository(db)
	s := &seeder{
		lg:       lg,
		products: postgres.NewProductRepository(db),
		stock:    postgres.NewStockRepository(db),
		coupons:  coupons,
		users:    users,
		points:   loyalty.NewLedger(users, db, postgres.NewOrderRepository(db), coupons, loyalty.DefaultConfig()),
		brands:   map[string]int64{},
	}

	if err := s.seedProducts(ctx, catalog.Products); err != nil {
		return errors.Wrap(err, "seed products")
	}
	if err := s.seedUsers(ctx, catalog.Users); err != nil {
		return errors.Wrap(err, "seed users")
	}
	if err := s.seedCoupons(ctx, catalog.Coupons); err != nil {
		return errors.Wrap(err, "seed coupons")
	}
	if apiKey == "" {
		lg.Info("No API key given, skipping")
		return nil
	}
	return seedAPIKey(ctx, lg, postgres.NewAPIKeyRepository(db), apiKey, pepper)
}

type seeder struct {
	lg       *zap.Logger
	products *postgres.ProductRepository
	stock    *postgres.StockRepository
	coupons  *postgres.CouponRepository
	users    *postgres.LoyaltyRepository
	points   *loyalty.Ledger
	brands   map[string]int64
}

func (s *seeder) brand(ctx context.Context, name string) (*int64, error) {
	if name == "" {
		return nil, nil
	}
	if id, ok := s.brands[name]; ok {
		return &id, nil
	}
	id, err := s.products.UpsertBrand(ctx, name)
	if err != nil {
		return nil, err
	}
	s.brands[name] = id
	return &id, nil
}

// seedProducts inserts every product with its variants. It is not idempotent:
// running it twice duplicates the catalog.
func (s *seeder) seedProducts(ctx context.Context, products []productJSON) error {
	s.lg.Info("Inserting products", zap.Int("count", len(products)))
	for _, p := range products {
		brandID, err := s.brand(ctx, p.Brand)
		if err != nil {
			return err
		}
		price, err := money.Parse(p.Price)
		if err != nil {
			return errors.Wrapf(err, "price of %s", p.Name)
		}
		id, err := s.products.Insert(ctx, &product.Product{
			Name:        p.Name,
			Price:       price,
			SalePercent: p.SalePercent,
			BrandID:     brandID,
			Active:      true,
		})
		if err != nil {
			return err
		}
		for _, v := range p.Variants {
			if _, err := s.stock.InsertVariant(ctx, &inventory.Variant{
				ProductID: id,
				Size:      v.Size,
				Color:     v.Color,
				Quantity:  v.Quantity,
			}); err != nil {
				return errors.Wrapf(err, "variant of %s", p.Name)
			}
		}
		s.lg.Info("Inserted product",
			zap.Int64("id", id),
			zap.String("name", p.Name),
			zap.Int("variants", len(p.Variants)),
		)
	}
	return nil
}

func (s *seeder) seedUsers(ctx context.Context, users []userJSON) error {
	for _, u := range users {
		id, err := s.users.CreateUser(ctx, u.Email)
		if err != nil {
			return err
		}
		// Posted once per user, so reseeding keeps the balance.
		if _, err := s.points.OpenBalance(ctx, id, u.Points); err != nil {
			return errors.Wrapf(err, "opening balance of %s", u.Email)
		}
		s.lg.Info("Upserted user", zap.Int64("id", id), zap.String("email", u.Email), zap.Int64("points", u.Points))
	}
	return nil
}

func (s *seeder) seedCoupons(ctx context.Context, coupons []couponJSON) error {
	now := time.Now()
	for _, c := range coupons {
		coupon, err := s.toCoupon(ctx, c, now)
		if err != nil {
			return errors.Wrapf(err, "coupon %s", c.Code)
		}
		id, err := s.coupons.Create(ctx, coupon)
		if apperr.KindOf(err) == apperr.KindConflict {
			s.lg.Info("Coupon exists, skipping", zap.String("code", c.Code))
			continue
		}
		if err != nil {
			return err
		}
		s.lg.Info("Created coupon", zap.Int64("id", id), zap.String("code", c.Code))
	}
	return nil
}

func (s *seeder) toCoupon(ctx context.Context, c couponJSON, now time.Time) (*discount.Coupon, error) {
	out := &discount.Coupon{
		Code:         c.Code,
		Description:  c.Description,
		DiscountType: discount.DiscountType(c.Type),
		Value:        c.Value,
		UsageLimit:   c.UsageLimit,
		PerUserLimit: c.PerUserLimit,
		IsActive:     true,
	}
	switch out.DiscountType {
	case discount.DiscountPercentage, discount.DiscountFixedAmount:
	default:
		return nil, errors.Errorf("unknown discount type %q", c.Type)
	}
	if c.MinOrderAmount != "" {
		m, err := money.Parse(c.MinOrderAmount)
		if err != nil {
			return nil, errors.Wrap(err, "min order amount")
		}
		out.MinOrderAmount = m
	}
	if c.MaxDiscount != "" {
		m, err := money.Parse(c.MaxDiscount)
		if err != nil {
			return nil, errors.Wrap(err, "max discount")
		}
		out.MaxDiscountAmount = &m
	}
	if c.ValidDays > 0 {
		out.StartDate = now
		out.EndDate = now.AddDate(0, 0, c.ValidDays)
	}
	brandID, err := s.brand(ctx, c.Brand)
	if err != nil {
		return nil, err
	}
	out.BrandID = brandID
	return out, nil
}

func seedAPIKey(ctx context.Context, lg *zap.Logger, keys *postgres.APIKeyRepository, apiKey, pepper string) error {
	info := auth.APIKeyInfo{
		ID:      "default",
		KeyHash: auth.HashKey([]byte(pepper), apiKey),
		Name:    "Default admin key",
		Scopes:  []string{auth.ScopeAdmin},
	}
	if err := keys.Upsert(ctx, info); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}
	lg.Info("Upserted API key", zap.String("id", info.ID), zap.String("name", info.Name))
	return nil
}
