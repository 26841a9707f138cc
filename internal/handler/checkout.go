package handler

import (
	"net/http"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/cart"
	"github.com/xenking/shop-ledger/internal/domain/checkout"
	"github.com/xenking/shop-ledger/internal/domain/discount"
	"github.com/xenking/shop-ledger/internal/domain/order"
)

// Quote prices the cart without writing anything.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCheckout(r, userFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	q, err := h.checkout.Quote(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeQuote(e, q) })
}

// Checkout commits the cart as an order.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCheckout(r, userFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.checkout.Checkout(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeCheckoutResult(e, res) })
}

// ConfirmPayment marks an order paid with the gateway capture id.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var captureID string
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "capture_id" {
			return d.Skip()
		}
		captureID, err = d.Str()
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.checkout.ConfirmPayment(r.Context(), id, captureID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCheckoutResult(e, res) })
}

// ValidateCoupon reports whether a code applies to a cart.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCheckout(r, userFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.CouponCode == "" {
		writeError(w, r, apperr.Validation("coupon_code is required"))
		return
	}
	q, err := h.checkout.Quote(r.Context(), checkout.Request{Cart: req.Cart})
	if err != nil {
		writeError(w, r, err)
		return
	}
	lines := make([]cart.Line, len(q.Lines))
	for i, l := range q.Lines {
		lines[i] = l.Line
	}
	res, err := h.coupons.Validate(r.Context(), discount.ValidateRequest{
		Code:     req.CouponCode,
		UserID:   req.Cart.UserID,
		Subtotal: q.Subtotal,
		Lines:    lines,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("valid", func(e *jx.Encoder) { e.Bool(res.Valid) })
			if !res.Valid {
				encodeStr(e, "reason", string(res.Reason))
				encodeStr(e, "message", res.Message)
				return
			}
			encodeStr(e, "code", res.Coupon.Code)
			encodeMoney(e, "eligible_subtotal", res.EligibleSubtotal)
			encodeMoney(e, "discount", res.DiscountAmount)
		})
	})
}

func decodeCheckout(r *http.Request, userID int64) (checkout.Request, error) {
	req := checkout.Request{Cart: cart.Cart{UserID: userID}}
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				l, err := decodeLine(d)
				req.Cart.Lines = append(req.Cart.Lines, l)
				return err
			})
		case "bundles":
			return d.Arr(func(d *jx.Decoder) error {
				b, err := decodeBundle(d)
				req.Bundles = append(req.Bundles, b)
				return err
			})
		case "coupon_code":
			req.CouponCode, err = d.Str()
		case "redeem_points":
			req.RedeemPoints, err = d.Int64()
		case "shipping_address":
			req.ShippingAddress, err = d.Str()
		case "delivery_method":
			var s string
			s, err = d.Str()
			req.DeliveryMethod = order.FulfillmentMethod(s)
		case "payment_method":
			var s string
			s, err = d.Str()
			req.PaymentMethod = order.PaymentMethod(s)
		case "capture_id":
			return apperr.Validation("capture_id is accepted only on payment confirmation")
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		return req, err
	}

	switch req.DeliveryMethod {
	case "":
		req.DeliveryMethod = order.FulfillmentDelivery
	case order.FulfillmentDelivery, order.FulfillmentPickup:
	default:
		return req, apperr.Validation("unknown delivery method %q", req.DeliveryMethod)
	}
	switch req.PaymentMethod {
	case "":
		req.PaymentMethod = order.PaymentCOD
	case order.PaymentPayPal, order.PaymentStripe, order.PaymentNETS, order.PaymentCOD, order.PaymentManual:
	default:
		return req, apperr.Validation("unknown payment method %q", req.PaymentMethod)
	}
	return req, nil
}

func decodeLine(d *jx.Decoder) (cart.Line, error) {
	var l cart.Line
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product_id":
			l.ProductID, err = d.Int64()
		case "variant_id":
			var id int64
			id, err = d.Int64()
			l.VariantID = &id
		case "size":
			l.Size, err = d.Str()
		case "quantity":
			l.Quantity, err = d.Int()
		case "unit_price":
			l.UnitPrice, err = decodeMoney(d)
		default:
			return d.Skip()
		}
		return err
	})
	return l, err
}

func decodeBundle(d *jx.Decoder) (discount.Bundle, error) {
	var b discount.Bundle
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "name":
			b.Name, err = d.Str()
		case "product_ids":
			b.ProductIDs, err = decodeInt64s(d)
		case "rate":
			var n jx.Num
			if n, err = d.Num(); err != nil {
				return err
			}
			if b.Rate, err = decimal.NewFromString(n.String()); err != nil {
				return apperr.Validation("invalid bundle rate %q", n.String())
			}
		default:
			return d.Skip()
		}
		return err
	})
	return b, err
}

func encodeQuote(e *jx.Encoder, q *checkout.Quote) {
	e.Obj(func(e *jx.Encoder) { encodeQuoteFields(e, q) })
}

func encodeQuoteFields(e *jx.Encoder, q *checkout.Quote) {
	e.Field("lines", func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for _, l := range q.Lines {
				e.Obj(func(e *jx.Encoder) {
					encodeInt64(e, "product_id", l.ProductID)
					encodeStr(e, "product_name", l.ProductName)
					e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
					encodeMoney(e, "unit_price", l.UnitPrice)
					encodeMoney(e, "total", l.Total())
				})
			}
		})
	})
	encodeMoney(e, "subtotal", q.Subtotal)
	encodeMoney(e, "bundle_discount", q.Bundles.Total)
	if q.Coupon != nil {
		encodeStr(e, "coupon_code", q.Coupon.Coupon.Code)
		encodeMoney(e, "coupon_discount", q.Coupon.DiscountAmount)
	}
	encodeInt64(e, "points_used", q.PointsUsed)
	encodeMoney(e, "points_discount", q.PointsDiscount)
	encodeMoney(e, "shipping", q.Shipping)
	encodeMoney(e, "tax", q.Tax)
	encodeMoney(e, "discount", q.Discount)
	encodeMoney(e, "total", q.Total)
}

func encodeCheckoutResult(e *jx.Encoder, res *checkout.Result) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("order", func(e *jx.Encoder) { encodeOrder(e, res.Order) })
		if res.Quote != nil {
			e.Field("quote", func(e *jx.Encoder) { encodeQuote(e, res.Quote) })
		}
		encodeInt64(e, "points_awarded", res.PointsAwarded)
		encodeWarnings(e, res.Warnings)
	})
}
