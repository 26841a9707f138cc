package discount

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/shop-ledger/internal/domain/cart"
	"github.com/xenking/shop-ledger/pkg/money"
)

// ValidateRequest holds the input for coupon validation.
type ValidateRequest struct {
	Code     string
	UserID   int64
	Subtotal money.Money
	Lines    []cart.Line
}

// Engine validates coupons against carts and records redemptions.
type Engine struct {
	repo Repository
	now  func() time.Time
}

// NewEngine creates an Engine backed by the given Repository.
func NewEngine(repo Repository) *Engine {
	return &Engine{repo: repo, now: time.Now}
}

// Validate runs the eligibility chain and stops at the first failing check:
// existence, ownership, active flag, time window, brand-eligible subtotal,
// minimum order, global limit, per-user limit, non-zero discount.
//
// Ordinary ineligibility is reported through Result; the error is reserved
// for repository failures.
func (e *Engine) Validate(ctx context.Context, req ValidateRequest) (*Result, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return invalid(ReasonNotFound), nil
	}

	c, err := e.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrCouponNotFound) {
			return invalid(ReasonNotFound), nil
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	if c.OwnerUserID != nil && *c.OwnerUserID != req.UserID {
		return invalid(ReasonNotOwner), nil
	}
	if !c.IsActive {
		return invalid(ReasonInactive), nil
	}
	if r := checkWindow(c, e.now()); r != "" {
		return invalid(r), nil
	}

	eligible := EligibleSubtotal(c, req.Subtotal, req.Lines)
	if !eligible.IsPositive() {
		return invalid(ReasonNoEligibleItems), nil
	}
	if eligible < c.MinOrderAmount {
		res := invalid(ReasonMinOrder)
		res.Message = fmt.Sprintf("Minimum order amount of %s not met", c.MinOrderAmount)
		return res, nil
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return invalid(ReasonUsageLimit), nil
	}
	if c.PerUserLimit != nil {
		used, err := e.repo.CountUserUsages(ctx, c.ID, req.UserID)
		if err != nil {
			return nil, errors.Wrap(err, "count user usages")
		}
		if used >= *c.PerUserLimit {
			return invalid(ReasonPerUserLimit), nil
		}
	}

	amount := Compute(c, eligible)
	if !amount.IsPositive() {
		return invalid(ReasonZeroDiscount), nil
	}

	return &Result{
		Valid:            true,
		Coupon:           c,
		EligibleSubtotal: eligible,
		DiscountAmount:   amount,
	}, nil
}

// Redeem records the coupon against an order. It must run inside the order's
// transaction: the coupon row is locked so the global limit is re-checked
// against committed usage, which bounds usage under concurrent checkouts.
func (e *Engine) Redeem(ctx context.Context, couponID, userID, orderID int64, amount money.Money) error {
	c, err := e.repo.LockByID(ctx, couponID)
	if err != nil {
		return errors.Wrap(err, "lock coupon")
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return &IneligibleError{Code: c.Code, Reason: ReasonUsageLimit, Message: reasonMessages[ReasonUsageLimit]}
	}
	if c.PerUserLimit != nil {
		used, err := e.repo.CountUserUsages(ctx, c.ID, userID)
		if err != nil {
			return errors.Wrap(err, "count user usages")
		}
		if used >= *c.PerUserLimit {
			return &IneligibleError{Code: c.Code, Reason: ReasonPerUserLimit, Message: reasonMessages[ReasonPerUserLimit]}
		}
	}

	if err := e.repo.InsertUsage(ctx, Usage{
		CouponID:       c.ID,
		UserID:         userID,
		OrderID:        orderID,
		DiscountAmount: amount,
		CreatedAt:      e.now(),
	}); err != nil {
		return errors.Wrap(err, "insert coupon usage")
	}
	if err := e.repo.IncrementUsage(ctx, c.ID); err != nil {
		return errors.Wrap(err, "increment coupon usage")
	}
	return nil
}

// checkWindow compares exact timestamps first. When that fails it retries on
// calendar dates so a coupon stored as a local date is not rejected because of
// a timezone offset against the wall clock.
func checkWindow(c *Coupon, now time.Time) Reason {
	startOK := c.StartDate.IsZero() || !now.Before(c.StartDate)
	endOK := c.EndDate.IsZero() || !now.After(c.EndDate)
	if startOK && endOK {
		return ""
	}

	today := dateOf(now)
	if !startOK && today.Before(dateOf(c.StartDate)) {
		return ReasonNotStarted
	}
	if !endOK && today.After(dateOf(c.EndDate)) {
		return ReasonExpired
	}
	return ""
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
