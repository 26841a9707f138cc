// Package discount computes coupon and bundle discounts over cart state and
// records coupon usage when an order commits.
package discount

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/pkg/money"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes Value percent off the eligible subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixedAmount takes Value currency units off the eligible subtotal.
	DiscountFixedAmount DiscountType = "fixed_amount"
)

var (
	// ErrCouponNotFound is returned by Repository.FindByCode for unknown codes.
	ErrCouponNotFound = apperr.New(apperr.KindNotFound, "coupon not found")
	// ErrUsageExists is returned by Repository.InsertUsage when the coupon was
	// already recorded against the order.
	ErrUsageExists = apperr.New(apperr.KindConflict, "coupon already used on this order")
)

// Coupon is a discount code, either public or a private voucher.
type Coupon struct {
	ID           int64
	Code         string
	Description  string
	DiscountType DiscountType
	// Value is a percentage for DiscountPercentage and a currency amount for
	// DiscountFixedAmount.
	Value             decimal.Decimal
	MinOrderAmount    money.Money
	MaxDiscountAmount *money.Money
	StartDate         time.Time
	EndDate           time.Time
	UsageLimit        *int
	PerUserLimit      *int
	BrandID           *int64
	// OwnerUserID marks a private voucher usable only by that user.
	OwnerUserID *int64
	UsageCount  int
	IsActive    bool
}

// Usage records one application of a coupon to an order.
type Usage struct {
	CouponID       int64
	UserID         int64
	OrderID        int64
	DiscountAmount money.Money
	CreatedAt      time.Time
}

// Repository provides coupon lookup and usage bookkeeping. LockByID,
// InsertUsage and IncrementUsage are expected to run inside the caller's
// transaction.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	CountUserUsages(ctx context.Context, couponID, userID int64) (int, error)
	LockByID(ctx context.Context, id int64) (*Coupon, error)
	InsertUsage(ctx context.Context, u Usage) error
	IncrementUsage(ctx context.Context, id int64) error
	Create(ctx context.Context, c *Coupon) (int64, error)
}

// Reason identifies why a coupon was refused.
type Reason string

const (
	ReasonNotFound        Reason = "not_found"
	ReasonNotOwner        Reason = "not_owner"
	ReasonInactive        Reason = "inactive"
	ReasonNotStarted      Reason = "not_started"
	ReasonExpired         Reason = "expired"
	ReasonNoEligibleItems Reason = "no_eligible_items"
	ReasonMinOrder        Reason = "min_order_not_met"
	ReasonUsageLimit      Reason = "usage_limit_reached"
	ReasonPerUserLimit    Reason = "per_user_limit_reached"
	ReasonZeroDiscount    Reason = "zero_discount"
)

var reasonMessages = map[Reason]string{
	ReasonNotFound:        "Invalid coupon code",
	ReasonNotOwner:        "This voucher belongs to another account",
	ReasonInactive:        "This coupon is no longer active",
	ReasonNotStarted:      "This coupon is not active yet",
	ReasonExpired:         "This coupon has expired",
	ReasonNoEligibleItems: "No items in your cart are eligible for this coupon",
	ReasonUsageLimit:      "This coupon has reached its usage limit",
	ReasonPerUserLimit:    "You have already used this coupon the maximum number of times",
	ReasonZeroDiscount:    "This coupon does not reduce your order total",
}

// IneligibleError is the discount engine's refusal, carried as an error when a
// caller needs to abort on it.
type IneligibleError struct {
	Code    string
	Reason  Reason
	Message string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("coupon %s: %s", e.Code, e.Message)
}

// Kind implements apperr.Kinded.
func (e *IneligibleError) Kind() apperr.Kind { return apperr.KindCouponIneligible }

// Result is the outcome of validating a coupon against a cart.
type Result struct {
	Valid   bool
	Reason  Reason
	Message string

	Coupon           *Coupon
	EligibleSubtotal money.Money
	DiscountAmount   money.Money
}

// Err returns nil for a valid result and an *IneligibleError otherwise.
func (r *Result) Err(code string) error {
	if r.Valid {
		return nil
	}
	return &IneligibleError{Code: code, Reason: r.Reason, Message: r.Message}
}

func invalid(reason Reason) *Result {
	return &Result{Reason: reason, Message: reasonMessages[reason]}
}
