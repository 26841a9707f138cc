// Package loyalty keeps the points ledger: an append-only transaction log and
// a cached per-user balance that always equals the log's running sum.
package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/xenking/shop-ledger/internal/apperr"
)

// Kind classifies a ledger transaction.
type Kind string

const (
	KindEarn     Kind = "earn"
	KindRedeem   Kind = "redeem"
	KindAdjust   Kind = "adjust"
	KindClawback Kind = "clawback"
)

// Reasons shared by the automatic postings.
const (
	ReasonOrderCompleted = "Order completed"
	ReasonCheckoutRedeem = "Redeemed at checkout"
	ReasonOpeningBalance = "Opening balance"
)

// ErrUserNotFound is returned when the user has no balance row.
var ErrUserNotFound = apperr.New(apperr.KindNotFound, "user not found")

// Transaction is one immutable ledger entry.
type Transaction struct {
	ID      int64
	UserID  int64
	OrderID *int64
	Points  int64
	Kind    Kind
	Reason  string

	CreatedAt time.Time
}

// InsufficientPointsError reports a posting that would drive the balance
// below zero.
type InsufficientPointsError struct {
	UserID    int64
	Balance   int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient loyalty points: balance %d, requested %d", e.Balance, e.Requested)
}

// Kind implements apperr.Kinded.
func (e *InsufficientPointsError) Kind() apperr.Kind { return apperr.KindInsufficientPoints }

// Drift compares the cached balance with the transaction sum.
type Drift struct {
	UserID  int64
	Cached  int64
	Derived int64
}

// Consistent reports whether the cached balance matches the log.
func (d Drift) Consistent() bool { return d.Cached == d.Derived }

// Repository persists balances and transactions. LockBalance must take an
// exclusive lock on the user's balance row held until the transaction ends.
type Repository interface {
	LockBalance(ctx context.Context, userID int64) (int64, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	SetBalance(ctx context.Context, userID, balance int64) error
	// HasTransaction reports whether a (user, order, reason) entry exists.
	// A nil orderID matches entries without an order.
	HasTransaction(ctx context.Context, userID int64, orderID *int64, reason string) (bool, error)
	InsertTransaction(ctx context.Context, t *Transaction) (int64, error)
	// SumForOrder returns the signed point sum of the user's entries of kind
	// for orderID.
	SumForOrder(ctx context.Context, userID, orderID int64, kind Kind) (int64, error)
	SumTransactions(ctx context.Context, userID int64) (int64, error)
	ListTransactions(ctx context.Context, userID int64, limit int) ([]Transaction, error)
}
