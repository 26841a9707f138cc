// Package refund implements refund requests, their approval against the
// order's remaining balance, and return/exchange requests.
package refund

import (
	"context"
	"fmt"
	"time"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/loyalty"
	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/pkg/money"
)

// ManualReference marks a posting that did not go through a gateway.
const ManualReference = "MANUAL"

var (
	ErrRequestNotFound = apperr.New(apperr.KindNotFound, "refund request not found")
	ErrReturnNotFound  = apperr.New(apperr.KindNotFound, "return request not found")
	ErrPendingExists   = apperr.New(apperr.KindConflict, "A refund request is already pending for this order")
	ErrExceedsBalance  = apperr.New(apperr.KindValidation, "Refund amount exceeds remaining balance")
	ErrNotPending      = apperr.New(apperr.KindConflict, "Refund request is no longer pending")
	ErrNotProcessing   = apperr.New(apperr.KindConflict, "Refund request is not processing")
	ErrNothingSelected = apperr.New(apperr.KindValidation, "Select at least one item to refund")
)

// Request is a refund request. Admin requests carry an explicit amount and no
// items; self-service requests are built from selected order items.
type Request struct {
	ID              int64
	OrderID         int64
	UserID          int64
	Flow            Flow
	Status          Status
	RequestedAmount money.Money
	ApprovedAmount  money.Money
	Reason          string
	// IncludesShipping is set when the request returns every remaining unit.
	IncludesShipping bool
	AdminNote        string
	FailureMessage   string

	CreatedAt time.Time
	UpdatedAt time.Time

	Items []RequestItem
}

// StatusLabel returns the status in the vocabulary of the request's flow.
func (r *Request) StatusLabel() string { return r.Status.Label(r.Flow) }

// RequestItem is an immutable selected line of a request.
type RequestItem struct {
	ID               int64
	RequestID        int64
	OrderItemID      int64
	Quantity         int
	UnitPrice        money.Money
	LineRefundAmount money.Money
}

// Posting records money actually moved back to the customer.
type Posting struct {
	ID         int64
	RequestID  int64
	OrderID    int64
	Amount     money.Money
	Currency   string
	Provider   order.PaymentMethod
	GatewayRef string
	CreatedAt  time.Time
}

// StatusUpdate carries the fields written on a request status change.
type StatusUpdate struct {
	Status         Status
	ApprovedAmount money.Money
	AdminNote      string
	FailureMessage string
}

// Repository persists refund requests and postings. Lock and Insert calls run
// inside the caller's transaction.
type Repository interface {
	InsertRequest(ctx context.Context, r *Request) (int64, error)
	InsertRequestItem(ctx context.Context, it *RequestItem) (int64, error)
	GetRequest(ctx context.Context, id int64) (*Request, error)
	LockRequest(ctx context.Context, id int64) (*Request, error)
	RequestItems(ctx context.Context, requestID int64) ([]RequestItem, error)
	ListByOrder(ctx context.Context, orderID int64) ([]Request, error)
	HasPending(ctx context.Context, orderID int64) (bool, error)
	// RefundedQuantities sums item quantities of the order's approved,
	// processing and completed requests, keyed by order item.
	RefundedQuantities(ctx context.Context, orderID int64) (map[int64]int, error)
	UpdateStatus(ctx context.Context, id int64, upd StatusUpdate) error
	InsertPosting(ctx context.Context, p *Posting) (int64, error)
	PostingsByOrder(ctx context.Context, orderID int64) ([]Posting, error)
}

// GatewayResult is what a payment gateway returns for a refunded capture.
type GatewayResult struct {
	ID     string
	Status string
}

// CaptureRefund is one call to refund a gateway capture. RequestID keys the
// provider's idempotency: retries of one request pay once, and separate
// requests of the same amount are separate refunds.
type CaptureRefund struct {
	RequestID int64
	CaptureID string
	Amount    money.Money
	Currency  string
}

// Gateway refunds a captured payment. Any error means no money moved.
type Gateway interface {
	RefundCapture(ctx context.Context, req CaptureRefund) (*GatewayResult, error)
}

// Gateways resolves the gateway for a payment method.
type Gateways interface {
	For(method order.PaymentMethod) (Gateway, bool)
}

// Points reverses loyalty points earned on a refunded order.
type Points interface {
	ClawbackForRefund(ctx context.Context, orderID int64, refunded money.Money) (*loyalty.Transaction, error)
}

// GatewayError reports a failed gateway call. The request is marked failed
// and no ledger row is written.
type GatewayError struct {
	RequestID int64
	Provider  order.PaymentMethod
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("refund request %d: %s gateway: %v", e.RequestID, e.Provider, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Kind implements apperr.Kinded.
func (e *GatewayError) Kind() apperr.Kind { return apperr.KindGateway }
