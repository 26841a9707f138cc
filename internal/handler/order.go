package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-faster/jx"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/order"
)

// ListOrders returns the caller's orders, newest first.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.FindByUser(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for i := range orders {
				encodeOrder(e, &orders[i])
			}
		})
	})
}

// GetOrder returns one of the caller's orders.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.ownOrder(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

// UpdateDelivery changes the address or fulfillment method and reprices
// shipping.
func (h *Handler) UpdateDelivery(w http.ResponseWriter, r *http.Request) {
	o, err := h.ownOrder(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	upd := order.DeliveryUpdate{ShippingAddress: o.ShippingAddress, DeliveryMethod: o.DeliveryMethod}
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "shipping_address":
			upd.ShippingAddress, err = d.Str()
		case "delivery_method":
			var s string
			s, err = d.Str()
			upd.DeliveryMethod = order.FulfillmentMethod(s)
		default:
			return d.Skip()
		}
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if upd.DeliveryMethod != order.FulfillmentDelivery && upd.DeliveryMethod != order.FulfillmentPickup {
		writeError(w, r, apperr.Validation("unknown delivery method %q", upd.DeliveryMethod))
		return
	}
	upd.ShippingAmount = h.checkout.ShippingFee(upd.DeliveryMethod)

	updated, err := h.orders.UpdateDelivery(r.Context(), o.ID, upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOrder(e, &order.WithItems{Order: *updated, Items: o.Items})
	})
}

// TransitionStatus moves an order along its fulfillment flow.
func (h *Handler) TransitionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var next string
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		var err error
		next, err = d.Str()
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if next == "" {
		writeError(w, r, apperr.Validation("status is required"))
		return
	}
	o, err := h.orders.TransitionStatus(r.Context(), id, order.Status(next))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, &order.WithItems{Order: *o}) })
}

// Dashboard returns sales, status counts and bestsellers. The optional
// bestsellers query parameter sets the ranking length.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("bestsellers"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, apperr.Validation("invalid bestsellers %q", v))
			return
		}
		limit = n
	}
	d, err := h.orders.Dashboard(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("last_30_days", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("orders", func(e *jx.Encoder) { e.Int(d.Last30Days.Orders) })
					encodeMoney(e, "revenue", d.Last30Days.Revenue)
					encodeMoney(e, "refunded", d.Last30Days.Refunded)
				})
			})
			e.Field("statuses", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					for s, n := range d.Statuses {
						e.Field(string(s), func(e *jx.Encoder) { e.Int(n) })
					}
				})
			})
			e.Field("bestsellers", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, b := range d.Bestsellers {
						e.Obj(func(e *jx.Encoder) {
							encodeInt64(e, "product_id", b.ProductID)
							encodeStr(e, "product_name", b.ProductName)
							e.Field("units", func(e *jx.Encoder) { e.Int(b.Units) })
							encodeMoney(e, "revenue", b.Revenue)
						})
					}
				})
			})
		})
	})
}

// ownOrder loads the order in the path. Orders of other customers are
// reported as missing.
func (h *Handler) ownOrder(r *http.Request) (*order.WithItems, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return nil, err
	}
	return h.loadOwned(r.Context(), id)
}

func (h *Handler) loadOwned(ctx context.Context, id int64) (*order.WithItems, error) {
	o, err := h.orders.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userFrom(ctx) {
		return nil, order.ErrNotFound
	}
	return o, nil
}

func encodeOrder(e *jx.Encoder, o *order.WithItems) {
	e.Obj(func(e *jx.Encoder) {
		encodeInt64(e, "id", o.ID)
		encodeStr(e, "order_number", o.OrderNumber)
		encodeInt64(e, "user_id", o.UserID)
		encodeStr(e, "status", string(order.Canonical(string(o.Status))))
		encodeStr(e, "payment_status", string(o.PaymentStatus))
		encodeStr(e, "payment_method", string(o.PaymentMethod))
		encodeStr(e, "delivery_method", string(o.DeliveryMethod))
		encodeStr(e, "shipping_address", o.ShippingAddress)
		if o.PromoCode != "" {
			encodeStr(e, "promo_code", o.PromoCode)
		}
		encodeStr(e, "currency", o.Currency)
		encodeMoney(e, "subtotal", o.Subtotal)
		encodeMoney(e, "tax", o.TaxAmount)
		encodeMoney(e, "shipping", o.ShippingAmount)
		encodeMoney(e, "discount", o.DiscountAmount)
		encodeMoney(e, "total", o.TotalAmount)
		encodeMoney(e, "refunded", o.RefundedAmount)
		encodeMoney(e, "remaining", o.RemainingBalance())
		encodeTime(e, "created_at", o.CreatedAt)
		if len(o.Items) == 0 {
			return
		}
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, it := range o.Items {
					e.Obj(func(e *jx.Encoder) {
						encodeInt64(e, "id", it.ID)
						encodeInt64(e, "product_id", it.ProductID)
						encodeInt64(e, "variant_id", it.VariantID)
						encodeStr(e, "product_name", it.ProductName)
						if it.Size != "" {
							encodeStr(e, "size", it.Size)
						}
						if it.Color != "" {
							encodeStr(e, "color", it.Color)
						}
						e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
						encodeMoney(e, "unit_price", it.UnitPrice)
						encodeMoney(e, "total", it.TotalPrice)
					})
				}
			})
		})
	})
}
