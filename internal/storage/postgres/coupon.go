package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/discount"
)

const (
	couponColumns = `id, code, description, discount_type, value, min_order_amount, max_discount_amount,
		start_date, end_date, usage_limit, per_user_limit, brand_id, owner_user_id, usage_count, is_active`

	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE UPPER(code) = UPPER($1)`

	lockCouponSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1 FOR UPDATE`

	countUserUsagesSQL = `SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2`

	insertUsageSQL = `INSERT INTO coupon_usages (coupon_id, user_id, order_id, discount_amount, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	incrementCouponUsageSQL = `UPDATE coupons SET usage_count = usage_count + 1 WHERE id = $1`

	insertCouponSQL = `INSERT INTO coupons (code, description, discount_type, value, min_order_amount,
		max_discount_amount, start_date, end_date, usage_limit, per_user_limit, brand_id, owner_user_id, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`

	// insertCouponIgnoreSQL skips codes that already exist.
	insertCouponIgnoreSQL = `INSERT INTO coupons (code, description, discount_type, value, min_order_amount, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE) ON CONFLICT DO NOTHING`
)

var _ discount.Repository = (*CouponRepository)(nil)

// CouponRepository implements discount.Repository backed by PostgreSQL.
type CouponRepository struct {
	db *DB
}

// NewCouponRepository returns a CouponRepository.
func NewCouponRepository(db *DB) *CouponRepository {
	return &CouponRepository{db: db}
}

// FindByCode looks up a coupon by its code (case-insensitive).
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*discount.Coupon, error) {
	return r.one(ctx, getCouponByCodeSQL, code)
}

// LockByID locks the coupon row until the transaction ends.
func (r *CouponRepository) LockByID(ctx context.Context, id int64) (*discount.Coupon, error) {
	return r.one(ctx, lockCouponSQL, id)
}

func (r *CouponRepository) one(ctx context.Context, sql string, arg any) (*discount.Coupon, error) {
	rows, err := r.db.q(ctx).Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("finding coupon %v: %w", arg, err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrCouponNotFound
		}
		return nil, fmt.Errorf("finding coupon %v: %w", arg, err)
	}
	return &c, nil
}

// CountUserUsages returns how often the user redeemed the coupon.
func (r *CouponRepository) CountUserUsages(ctx context.Context, couponID, userID int64) (int, error) {
	var n int
	if err := r.db.q(ctx).QueryRow(ctx, countUserUsagesSQL, couponID, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting usages of coupon %d: %w", couponID, err)
	}
	return n, nil
}

// InsertUsage records a redemption. (coupon, order) is unique.
func (r *CouponRepository) InsertUsage(ctx context.Context, u discount.Usage) error {
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := r.db.q(ctx).Exec(ctx, insertUsageSQL, u.CouponID, u.UserID, u.OrderID, u.DiscountAmount.Decimal(), created)
	if err != nil {
		if uniqueViolation(err) {
			return discount.ErrUsageExists
		}
		return fmt.Errorf("inserting usage of coupon %d: %w", u.CouponID, err)
	}
	return nil
}

// IncrementUsage bumps the global usage counter.
func (r *CouponRepository) IncrementUsage(ctx context.Context, id int64) error {
	tag, err := r.db.q(ctx).Exec(ctx, incrementCouponUsageSQL, id)
	if err != nil {
		return fmt.Errorf("incrementing usage of coupon %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrCouponNotFound
	}
	return nil
}

// Create stores a coupon. Codes are unique regardless of case.
func (r *CouponRepository) Create(ctx context.Context, c *discount.Coupon) (int64, error) {
	var id int64
	err := r.db.q(ctx).QueryRow(ctx, insertCouponSQL,
		c.Code, c.Description, string(c.DiscountType), c.Value, c.MinOrderAmount.Decimal(),
		decPtr(c.MaxDiscountAmount), nullTime(c.StartDate), nullTime(c.EndDate),
		c.UsageLimit, c.PerUserLimit, c.BrandID, c.OwnerUserID, c.IsActive,
	).Scan(&id)
	if err != nil {
		if uniqueViolation(err) {
			return 0, apperr.Conflict("coupon %s already exists", c.Code)
		}
		return 0, fmt.Errorf("creating coupon %q: %w", c.Code, err)
	}
	return id, nil
}

// InsertCodes stores public coupons sharing one rule, skipping codes that
// already exist, and returns how many were inserted.
func (r *CouponRepository) InsertCodes(ctx context.Context, rule discount.Coupon, codes []string) (int64, error) {
	b := &pgx.Batch{}
	for _, code := range codes {
		b.Queue(insertCouponIgnoreSQL, code, rule.Description, string(rule.DiscountType), rule.Value, rule.MinOrderAmount.Decimal())
	}
	res := r.db.q(ctx).SendBatch(ctx, b)
	defer func() { _ = res.Close() }()

	var inserted int64
	for range codes {
		tag, err := res.Exec()
		if err != nil {
			return inserted, fmt.Errorf("inserting coupon batch: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

func scanCoupon(row pgx.CollectableRow) (discount.Coupon, error) {
	var (
		c            discount.Coupon
		discountType string
		minOrder     decimal.Decimal
		maxDiscount  *decimal.Decimal
		start, end   *time.Time
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Description, &discountType, &c.Value, &minOrder, &maxDiscount,
		&start, &end, &c.UsageLimit, &c.PerUserLimit, &c.BrandID, &c.OwnerUserID, &c.UsageCount, &c.IsActive,
	)
	c.DiscountType = discount.DiscountType(discountType)
	c.MinOrderAmount = toMoney(minOrder)
	c.MaxDiscountAmount = toMoneyPtr(maxDiscount)
	if start != nil {
		c.StartDate = *start
	}
	if end != nil {
		c.EndDate = *end
	}
	return c, err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
