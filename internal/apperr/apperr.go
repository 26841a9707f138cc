// Package apperr defines the error categories shared by the commerce ledger
// domains. Domain errors carry their category by implementing Kinded; the
// transport layer maps categories to responses with KindOf.
package apperr

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Kind classifies an error.
type Kind string

const (
	// KindPersistence is the default for errors without a category:
	// store-level failures that roll back the enclosing transaction.
	KindPersistence Kind = "persistence"
	// KindValidation reports bad input shape or range.
	KindValidation Kind = "validation"
	// KindNotFound reports a missing entity.
	KindNotFound Kind = "not_found"
	// KindConflict reports a request that contradicts current state.
	KindConflict Kind = "conflict"
	// KindInsufficientStock reports a failed lock-time stock check.
	KindInsufficientStock Kind = "insufficient_stock"
	// KindCouponIneligible reports a discount engine refusal.
	KindCouponIneligible Kind = "coupon_ineligible"
	// KindInsufficientPoints reports a loyalty ledger refusal.
	KindInsufficientPoints Kind = "insufficient_points"
	// KindGateway reports a failed external payment call.
	KindGateway Kind = "gateway"
)

// Kinded is implemented by errors that know their category.
type Kinded interface {
	error
	Kind() Kind
}

// KindOf returns the category of the first Kinded error in err's chain,
// or KindPersistence.
func KindOf(err error) Kind {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindPersistence
}

// Error is a generic categorized error with a user-facing message.
type Error struct {
	kind Kind
	msg  string
}

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Validation returns a formatted validation error.
func Validation(format string, args ...any) *Error {
	return &Error{kind: KindValidation, msg: fmt.Sprintf(format, args...)}
}

// NotFound returns a formatted not-found error.
func NotFound(format string, args ...any) *Error {
	return &Error{kind: KindNotFound, msg: fmt.Sprintf(format, args...)}
}

// Conflict returns a formatted conflict error.
func Conflict(format string, args ...any) *Error {
	return &Error{kind: KindConflict, msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string { return e.msg }

// Kind implements Kinded.
func (e *Error) Kind() Kind { return e.kind }

// Is matches another *Error with the same kind and message, which lets
// package-level sentinels declared with New work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.kind == e.kind && t.msg == e.msg
}
