package loyalty

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/discount"
	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/pkg/money"
)

// OrderReader loads the order a posting refers to.
type OrderReader interface {
	GetByID(ctx context.Context, id int64) (*order.Order, error)
}

// VoucherIssuer stores the private coupon a voucher redemption produces.
type VoucherIssuer interface {
	Create(ctx context.Context, c *discount.Coupon) (int64, error)
}

// Config holds the ledger's conversion rates.
type Config struct {
	// PointsPerUnit is awarded per whole currency unit paid.
	PointsPerUnit int64
	// PointValue is the money one point is worth on redemption.
	PointValue money.Money
	// VoucherValidity bounds how long an issued voucher stays usable.
	VoucherValidity time.Duration
}

// DefaultConfig awards one point per dollar and redeems a point for one cent.
func DefaultConfig() Config {
	return Config{
		PointsPerUnit:   1,
		PointValue:      money.FromCents(1),
		VoucherValidity: 90 * 24 * time.Hour,
	}
}

// Ledger is the only writer of loyalty balances.
type Ledger struct {
	repo     Repository
	tx       order.TxRunner
	orders   OrderReader
	vouchers VoucherIssuer
	cfg      Config
	now      func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(repo Repository, tx order.TxRunner, orders OrderReader, vouchers VoucherIssuer, cfg Config) *Ledger {
	if cfg.PointsPerUnit <= 0 {
		cfg.PointsPerUnit = 1
	}
	if !cfg.PointValue.IsPositive() {
		cfg.PointValue = money.FromCents(1)
	}
	return &Ledger{
		repo:     repo,
		tx:       tx,
		orders:   orders,
		vouchers: vouchers,
		cfg:      cfg,
		now:      time.Now,
	}
}

type entry struct {
	userID  int64
	orderID *int64
	kind    Kind
	reason  string
	points  int64
}

// post is the single mutation primitive. It must run inside a transaction:
// lock the balance row, skip if (user, order, reason) was already posted,
// refuse a negative result, then append and update the cached balance.
// A nil transaction with a nil error means the entry was a duplicate.
func (l *Ledger) post(ctx context.Context, e entry) (*Transaction, error) {
	balance, err := l.repo.LockBalance(ctx, e.userID)
	if err != nil {
		return nil, errors.Wrap(err, "lock balance")
	}
	exists, err := l.repo.HasTransaction(ctx, e.userID, e.orderID, e.reason)
	if err != nil {
		return nil, errors.Wrap(err, "check transaction")
	}
	if exists {
		return nil, nil
	}

	next := balance + e.points
	if next < 0 {
		return nil, &InsufficientPointsError{UserID: e.userID, Balance: balance, Requested: -e.points}
	}

	t := &Transaction{
		UserID:    e.userID,
		OrderID:   e.orderID,
		Points:    e.points,
		Kind:      e.kind,
		Reason:    e.reason,
		CreatedAt: l.now(),
	}
	id, err := l.repo.InsertTransaction(ctx, t)
	if err != nil {
		return nil, errors.Wrap(err, "insert transaction")
	}
	t.ID = id
	if err := l.repo.SetBalance(ctx, e.userID, next); err != nil {
		return nil, errors.Wrap(err, "update balance")
	}

	zctx.From(ctx).Debug("Loyalty posting",
		zap.Int64("user_id", e.userID),
		zap.String("kind", string(e.kind)),
		zap.Int64("points", e.points),
		zap.Int64("balance", next),
	)
	return t, nil
}

func (l *Ledger) postTx(ctx context.Context, e entry) (*Transaction, error) {
	var t *Transaction
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		t, err = l.post(ctx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// PointsFor converts a paid amount into points, flooring to whole units.
func (l *Ledger) PointsFor(amount money.Money) int64 {
	if !amount.IsPositive() {
		return 0
	}
	return amount.Cents() / 100 * l.cfg.PointsPerUnit
}

// ValueOf returns the discount a number of points buys.
func (l *Ledger) ValueOf(points int64) money.Money {
	return money.FromCents(points * l.cfg.PointValue.Cents())
}

// AwardForPaidOrder credits points for a paid order once. Orders that are not
// paid, are cancelled or returned, or earn nothing are skipped without error.
func (l *Ledger) AwardForPaidOrder(ctx context.Context, orderID int64) (*Transaction, error) {
	o, err := l.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "load order")
	}
	if o.PaymentStatus != order.PaymentPaid || o.Status.IsTerminal() {
		return nil, nil
	}
	points := l.PointsFor(o.TotalAmount)
	if points <= 0 {
		return nil, nil
	}
	return l.postTx(ctx, entry{
		userID:  o.UserID,
		orderID: &o.ID,
		kind:    KindEarn,
		reason:  ReasonOrderCompleted,
		points:  points,
	})
}

// RedeemForOrder debits points spent on an order and returns their value. It
// joins the caller's transaction when one is open.
func (l *Ledger) RedeemForOrder(ctx context.Context, userID, orderID, points int64) (money.Money, error) {
	if points <= 0 {
		return money.Zero, apperr.Validation("points to redeem must be greater than 0")
	}
	t, err := l.postTx(ctx, entry{
		userID:  userID,
		orderID: &orderID,
		kind:    KindRedeem,
		reason:  ReasonCheckoutRedeem,
		points:  -points,
	})
	if err != nil {
		return money.Zero, err
	}
	if t == nil {
		return money.Zero, apperr.Conflict("points already redeemed for order %d", orderID)
	}
	return l.ValueOf(points), nil
}

// RedeemForVoucher converts points into a single-use private coupon owned by
// the user. The coupon and the debit commit together.
func (l *Ledger) RedeemForVoucher(ctx context.Context, userID, points int64) (*discount.Coupon, error) {
	if points <= 0 {
		return nil, apperr.Validation("points to redeem must be greater than 0")
	}

	now := l.now()
	one := 1
	c := &discount.Coupon{
		Code:         "PTS-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10]),
		Description:  fmt.Sprintf("Loyalty voucher for %d points", points),
		DiscountType: discount.DiscountFixedAmount,
		Value:        l.ValueOf(points).Decimal(),
		StartDate:    now,
		EndDate:      now.Add(l.cfg.VoucherValidity),
		UsageLimit:   &one,
		PerUserLimit: &one,
		OwnerUserID:  &userID,
		IsActive:     true,
	}

	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := l.post(ctx, entry{
			userID: userID,
			kind:   KindRedeem,
			reason: "Voucher " + c.Code,
			points: -points,
		}); err != nil {
			return err
		}
		id, err := l.vouchers.Create(ctx, c)
		if err != nil {
			return errors.Wrap(err, "create voucher")
		}
		c.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ClawbackForRefund removes points earned on an order in proportion to the
// cumulative refunded amount. Only the increment over earlier clawbacks is
// deducted, and never more than the current balance, so a refund is never
// blocked by points the customer already spent. Both sums are read under the
// balance lock: approvals of one order can clawback concurrently.
func (l *Ledger) ClawbackForRefund(ctx context.Context, orderID int64, refunded money.Money) (*Transaction, error) {
	o, err := l.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "load order")
	}

	var t *Transaction
	err = l.tx.WithinTx(ctx, func(ctx context.Context) error {
		balance, err := l.repo.LockBalance(ctx, o.UserID)
		if err != nil {
			return errors.Wrap(err, "lock balance")
		}
		earned, err := l.repo.SumForOrder(ctx, o.UserID, o.ID, KindEarn)
		if err != nil {
			return errors.Wrap(err, "sum earned")
		}
		if earned <= 0 {
			return nil
		}
		clawed, err := l.repo.SumForOrder(ctx, o.UserID, o.ID, KindClawback)
		if err != nil {
			return errors.Wrap(err, "sum clawed back")
		}

		target := min(earned, l.PointsFor(money.Min(refunded, o.TotalAmount)))
		already := -clawed
		delta := min(target-already, balance)
		if delta <= 0 {
			return nil
		}

		t, err = l.post(ctx, entry{
			userID:  o.UserID,
			orderID: &o.ID,
			kind:    KindClawback,
			reason:  fmt.Sprintf("Refund clawback (cumulative %d)", already+delta),
			points:  -delta,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// OpenBalance posts the starting points of a new account. It runs once per
// user; later calls return a nil transaction.
func (l *Ledger) OpenBalance(ctx context.Context, userID, points int64) (*Transaction, error) {
	if points < 0 {
		return nil, apperr.Validation("opening balance must not be negative")
	}
	if points == 0 {
		return nil, nil
	}
	return l.postTx(ctx, entry{
		userID: userID,
		kind:   KindAdjust,
		reason: ReasonOpeningBalance,
		points: points,
	})
}

// AdjustByAdmin posts a manual correction. The reason records the actor, the
// note and a unique token so repeated identical adjustments are all kept.
func (l *Ledger) AdjustByAdmin(ctx context.Context, userID, points int64, actor, note string) (*Transaction, error) {
	if points == 0 {
		return nil, apperr.Validation("adjustment must not be zero")
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, apperr.Validation("actor is required")
	}
	token := uuid.NewString()[:8]
	return l.postTx(ctx, entry{
		userID: userID,
		kind:   KindAdjust,
		reason: fmt.Sprintf("Admin adjustment by %s: %s [%s]", actor, strings.TrimSpace(note), token),
		points: points,
	})
}

// Balance returns the cached balance.
func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	return l.repo.Balance(ctx, userID)
}

// History returns the newest transactions first.
func (l *Ledger) History(ctx context.Context, userID int64, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.repo.ListTransactions(ctx, userID, limit)
}

// VerifyBalance compares the cached balance with the sum of the log.
func (l *Ledger) VerifyBalance(ctx context.Context, userID int64) (Drift, error) {
	d := Drift{UserID: userID}
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if d.Cached, err = l.repo.LockBalance(ctx, userID); err != nil {
			return errors.Wrap(err, "lock balance")
		}
		if d.Derived, err = l.repo.SumTransactions(ctx, userID); err != nil {
			return errors.Wrap(err, "sum transactions")
		}
		return nil
	})
	if err != nil {
		return Drift{}, err
	}
	if !d.Consistent() {
		zctx.From(ctx).Warn("Loyalty balance drift",
			zap.Int64("user_id", userID),
			zap.Int64("cached", d.Cached),
			zap.Int64("derived", d.Derived),
		)
	}
	return d, nil
}
