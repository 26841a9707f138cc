package discount

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/cart"
	"github.com/xenking/shop-ledger/pkg/money"
)

type mockCouponRepo struct {
	coupon     *Coupon
	findErr    error
	userUsages int
	countErr   error

	usages      []Usage
	increments  int
	insertErr   error
	lockedCalls int
}

func (m *mockCouponRepo) FindByCode(_ context.Context, _ string) (*Coupon, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	if m.coupon == nil {
		return nil, ErrCouponNotFound
	}
	c := *m.coupon
	return &c, nil
}

func (m *mockCouponRepo) CountUserUsages(_ context.Context, _, _ int64) (int, error) {
	return m.userUsages, m.countErr
}

func (m *mockCouponRepo) LockByID(_ context.Context, _ int64) (*Coupon, error) {
	m.lockedCalls++
	c := *m.coupon
	return &c, nil
}

func (m *mockCouponRepo) InsertUsage(_ context.Context, u Usage) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.usages = append(m.usages, u)
	return nil
}

func (m *mockCouponRepo) IncrementUsage(_ context.Context, _ int64) error {
	m.increments++
	m.coupon.UsageCount++
	return nil
}

func (m *mockCouponRepo) Create(_ context.Context, _ *Coupon) (int64, error) {
	return 1, nil
}

func ptr[T any](v T) *T { return &v }

func line(productID int64, price string, qty int, brand *int64) cart.Line {
	return cart.Line{ProductID: productID, UnitPrice: money.MustParse(price), Quantity: qty, BrandID: brand}
}

func TestEngine_Validate(t *testing.T) {
	fixedNow := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := fixedNow.Add(-48 * time.Hour)
	future := fixedNow.Add(48 * time.Hour)

	base := func(mut func(c *Coupon)) *Coupon {
		c := &Coupon{
			ID:           7,
			Code:         "SAVE10",
			DiscountType: DiscountPercentage,
			Value:        decimal.NewFromInt(10),
			StartDate:    past,
			EndDate:      future,
			IsActive:     true,
		}
		if mut != nil {
			mut(c)
		}
		return c
	}

	lines := []cart.Line{
		line(1, "60.00", 1, ptr(int64(5))),
		line(2, "40.00", 1, ptr(int64(6))),
	}

	tests := []struct {
		name       string
		repo       *mockCouponRepo
		userID     int64
		wantReason Reason
		wantAmount money.Money
	}{
		{
			name:       "valid percentage",
			repo:       &mockCouponRepo{coupon: base(nil)},
			wantAmount: money.FromInt(10),
		},
		{
			name:       "unknown code",
			repo:       &mockCouponRepo{},
			wantReason: ReasonNotFound,
		},
		{
			name:       "private voucher of another user",
			repo:       &mockCouponRepo{coupon: base(func(c *Coupon) { c.OwnerUserID = ptr(int64(99)) })},
			userID:     1,
			wantReason: ReasonNotOwner,
		},
		{
			name:       "private voucher of the owner",
			repo:       &mockCouponRepo{coupon: base(func(c *Coupon) { c.OwnerUserID = ptr(int64(1)) })},
			userID:     1,
			wantAmount: money.FromInt(10),
		},
		{
			name:       "inactive",
			repo:       &mockCouponRepo{coupon: base(func(c *Coupon) { c.IsActive = false })},
			wantReason: ReasonInactive,
		},
		{
			name:       "expired",
			repo:       &mockCouponRepo{coupon: base(func(c *Coupon) { c.EndDate = past })},
			wantReason: ReasonExpired,
		},
		{
			name: "not started",
			repo: &mockCouponRepo{coupon: base(func(c *Coupon) {
				c.StartDate = future
			})},
			wantReason: ReasonNotStarted,
		},
		{
			name: "start later today passes on date fallback",
			repo: &mockCouponRepo{coupon: base(func(c *Coupon) {
				c.StartDate = fixedNow.Add(3 * time.Hour)
			})},
			wantAmount: money.FromInt(10),
		},
		{
			name: "end earlier today passes on date fallback",
			repo: &mockCouponRepo{coupon: base(func(c *Coupon) {
				c.EndDate = fixedNow.Add(-3 * time.Hour)
			})},
			wantAmount: money.FromInt(10),
		},
		{
			name:       "brand with no matching lines",
			repo:       &mockCouponRepo{coupon: base(func(c *Coupon) { c.BrandID = ptr(int64(42)) })},
			wantReason: ReasonNoEligibleItems,
		},
		{
			name:       "brand scoped discount uses brand lines only",
			repo:       &mockCouponRepo{coupon: base(func(c *Coupon) { c.BrandID = ptr(int64(5)) })},
			wantAmount: money.FromInt(6),
		},
		{
			name: "min order checked against eligible subtotal",
			repo: &mockCouponRepo{coupon: base(func(c *Coupon) {
				c.BrandID = ptr(int64(6))
				c.MinOrderAmount = money.FromInt(50)
			})},
			wantReason: ReasonMinOrder,
		},
		{
			name: "global usage limit exhausted",
			repo: &mockCouponRepo{coupon: base(func(c *Coupon) {
				c.UsageLimit = ptr(3)
				c.UsageCount = 3
			})},
			wantReason: ReasonUsageLimit,
		},
		{
			name: "per user limit exhausted",
			repo: &mockCouponRepo{
				coupon:     base(func(c *Coupon) { c.PerUserLimit = ptr(1) }),
				userUsages: 1,
			},
			wantReason: ReasonPerUserLimit,
		},
		{
			name: "zero discount",
			repo: &mockCouponRepo{coupon: base(func(c *Coupon) {
				c.Value = decimal.Zero
			})},
			wantReason: ReasonZeroDiscount,
		},
		{
			name: "fixed amount capped by max discount",
			repo: &mockCouponRepo{coupon: base(func(c *Coupon) {
				c.DiscountType = DiscountFixedAmount
				c.Value = decimal.NewFromInt(30)
				c.MaxDiscountAmount = ptr(money.FromInt(25))
			})},
			wantAmount: money.FromInt(25),
		},
		{
			name: "checks short circuit in order: inactive before expired",
			repo: &mockCouponRepo{coupon: base(func(c *Coupon) {
				c.IsActive = false
				c.EndDate = past
			})},
			wantReason: ReasonInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(tt.repo)
			e.now = func() time.Time { return fixedNow }

			res, err := e.Validate(context.Background(), ValidateRequest{
				Code:     "save10",
				UserID:   tt.userID,
				Subtotal: CalculateSubtotal(lines),
				Lines:    lines,
			})
			require.NoError(t, err)

			if tt.wantReason != "" {
				assert.False(t, res.Valid)
				assert.Equal(t, tt.wantReason, res.Reason)
				assert.NotEmpty(t, res.Message)

				var ie *IneligibleError
				require.ErrorAs(t, res.Err("save10"), &ie)
				assert.Equal(t, apperr.KindCouponIneligible, apperr.KindOf(res.Err("save10")))
				return
			}

			assert.True(t, res.Valid)
			assert.Equal(t, tt.wantAmount, res.DiscountAmount)
			require.NoError(t, res.Err("save10"))
		})
	}
}

func TestEngine_ValidateRepoError(t *testing.T) {
	e := NewEngine(&mockCouponRepo{findErr: errors.New("db down")})
	_, err := e.Validate(context.Background(), ValidateRequest{Code: "X", Subtotal: money.FromInt(10)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup coupon")
}

func TestEngine_Redeem(t *testing.T) {
	repo := &mockCouponRepo{coupon: &Coupon{ID: 3, Code: "ONCE", UsageLimit: ptr(1), IsActive: true}}
	e := NewEngine(repo)

	require.NoError(t, e.Redeem(context.Background(), 3, 10, 100, money.FromInt(5)))
	assert.Len(t, repo.usages, 1)
	assert.Equal(t, 1, repo.increments)
	assert.Equal(t, int64(100), repo.usages[0].OrderID)

	err := e.Redeem(context.Background(), 3, 11, 101, money.FromInt(5))
	var ie *IneligibleError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, ReasonUsageLimit, ie.Reason)
	assert.Len(t, repo.usages, 1)
}

func TestEngine_RedeemDuplicateUsage(t *testing.T) {
	repo := &mockCouponRepo{
		coupon:    &Coupon{ID: 3, Code: "DUP", IsActive: true},
		insertErr: ErrUsageExists,
	}
	err := NewEngine(repo).Redeem(context.Background(), 3, 10, 100, money.FromInt(5))
	require.ErrorIs(t, err, ErrUsageExists)
	assert.Zero(t, repo.increments)
}
