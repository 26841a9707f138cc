// Package handler exposes the ledger operations over HTTP with JSON bodies.
// Customers are identified by the X-User-ID header; back-office routes under
// /api/admin require an API key with the admin scope.
package handler

import (
	"net/http"

	"github.com/xenking/shop-ledger/internal/domain/auth"
	"github.com/xenking/shop-ledger/internal/domain/checkout"
	"github.com/xenking/shop-ledger/internal/domain/discount"
	"github.com/xenking/shop-ledger/internal/domain/loyalty"
	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/internal/domain/refund"
)

// Deps holds the domain services behind the handlers.
type Deps struct {
	Checkout *checkout.Service
	Orders   *order.Service
	Refunds  *refund.Service
	Points   *loyalty.Ledger
	Coupons  *discount.Engine
	Auth     *auth.Authenticator
}

// Handler serves the ledger API.
type Handler struct {
	checkout *checkout.Service
	orders   *order.Service
	refunds  *refund.Service
	points   *loyalty.Ledger
	coupons  *discount.Engine
	auth     *auth.Authenticator
}

// New constructs a Handler.
func New(deps Deps) *Handler {
	return &Handler{
		checkout: deps.Checkout,
		orders:   deps.Orders,
		refunds:  deps.Refunds,
		points:   deps.Points,
		coupons:  deps.Coupons,
		auth:     deps.Auth,
	}
}

// Register adds every route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/checkout/quote", h.customer(h.Quote))
	mux.HandleFunc("POST /api/checkout", h.customer(h.Checkout))
	mux.HandleFunc("POST /api/coupons/validate", h.customer(h.ValidateCoupon))

	mux.HandleFunc("GET /api/orders", h.customer(h.ListOrders))
	mux.HandleFunc("GET /api/orders/{id}", h.customer(h.GetOrder))
	mux.HandleFunc("PATCH /api/orders/{id}/delivery", h.customer(h.UpdateDelivery))

	mux.HandleFunc("GET /api/orders/{id}/refunds/pricing", h.customer(h.RefundPricing))
	mux.HandleFunc("GET /api/orders/{id}/refunds", h.customer(h.ListRefunds))
	mux.HandleFunc("POST /api/orders/{id}/refunds", h.customer(h.SubmitRefund))

	mux.HandleFunc("GET /api/orders/{id}/returns", h.customer(h.ListReturns))
	mux.HandleFunc("POST /api/orders/{id}/returns", h.customer(h.SubmitReturn))
	mux.HandleFunc("GET /api/returns/{id}", h.customer(h.GetReturn))
	mux.HandleFunc("POST /api/returns/{id}/notes", h.customer(h.AddReturnNote))

	mux.HandleFunc("GET /api/loyalty", h.customer(h.Loyalty))
	mux.HandleFunc("POST /api/loyalty/vouchers", h.customer(h.RedeemVoucher))

	mux.HandleFunc("GET /api/admin/dashboard", h.admin(h.Dashboard))
	mux.HandleFunc("POST /api/admin/orders/{id}/payment", h.admin(h.ConfirmPayment))
	mux.HandleFunc("POST /api/admin/orders/{id}/status", h.admin(h.TransitionStatus))
	mux.HandleFunc("POST /api/admin/orders/{id}/refunds", h.admin(h.AdminRefund))
	mux.HandleFunc("POST /api/admin/refunds/{id}/approve", h.admin(h.ApproveRefund))
	mux.HandleFunc("POST /api/admin/refunds/{id}/reject", h.admin(h.RejectRefund))
	mux.HandleFunc("POST /api/admin/refunds/{id}/resume", h.admin(h.ResumeRefund))
	mux.HandleFunc("POST /api/admin/returns/{id}/approve", h.admin(h.ApproveReturn))
	mux.HandleFunc("POST /api/admin/returns/{id}/reject", h.admin(h.RejectReturn))
	mux.HandleFunc("POST /api/admin/returns/{id}/notes", h.admin(h.AddAdminReturnNote))
	mux.HandleFunc("POST /api/admin/loyalty/{userID}/adjust", h.admin(h.AdjustPoints))
	mux.HandleFunc("GET /api/admin/loyalty/{userID}/verify", h.admin(h.VerifyPoints))
}
