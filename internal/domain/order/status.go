package order

import (
	"fmt"
	"strings"

	"github.com/xenking/shop-ledger/internal/apperr"
)

// Status is the fulfillment state of an order.
type Status string

const (
	StatusProcessing     Status = "processing"
	StatusPacking        Status = "packing"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusReadyForPickup Status = "ready_for_pickup"
	StatusCompleted      Status = "completed"
	// StatusCancelled and StatusReturned are terminal and only set by the
	// refund and return workflows.
	StatusCancelled Status = "cancelled"
	StatusReturned  Status = "returned"
)

// FulfillmentMethod selects which flow an order follows.
type FulfillmentMethod string

const (
	FulfillmentDelivery FulfillmentMethod = "delivery"
	FulfillmentPickup   FulfillmentMethod = "pickup"
)

var (
	deliveryFlow = []Status{StatusProcessing, StatusPacking, StatusShipped, StatusDelivered, StatusCompleted}
	pickupFlow   = []Status{StatusProcessing, StatusPacking, StatusReadyForPickup, StatusCompleted}
)

var legacyStatuses = map[string]Status{
	"pending":  StatusProcessing,
	"packed":   StatusPacking,
	"refunded": StatusReturned,
}

// Canonical maps a stored status string, including legacy names, to a Status.
func Canonical(s string) Status {
	s = strings.ToLower(strings.TrimSpace(s))
	if st, ok := legacyStatuses[s]; ok {
		return st
	}
	return Status(s)
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusReturned
}

// IsFulfilled reports whether the goods reached the customer.
func (s Status) IsFulfilled() bool {
	return s == StatusDelivered || s == StatusCompleted
}

func flowFor(m FulfillmentMethod) []Status {
	if m == FulfillmentPickup {
		return pickupFlow
	}
	return deliveryFlow
}

// CanTransition permits staying in place or advancing exactly one step in the
// flow of the order's fulfillment method.
func CanTransition(method FulfillmentMethod, current, next Status) bool {
	current, next = Canonical(string(current)), Canonical(string(next))
	if current == next {
		return true
	}
	if current.IsTerminal() || next.IsTerminal() {
		return false
	}
	flow := flowFor(method)
	for i, st := range flow {
		if st == current {
			return i+1 < len(flow) && flow[i+1] == next
		}
	}
	return false
}

// TransitionError reports a refused status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
}

// Kind implements apperr.Kinded.
func (e *TransitionError) Kind() apperr.Kind { return apperr.KindConflict }
