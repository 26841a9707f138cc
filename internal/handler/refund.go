package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/shop-ledger/internal/domain/refund"
	"github.com/xenking/shop-ledger/pkg/money"
)

// RefundPricing returns the refundable price of each line and whether the
// order can be refunded now.
func (h *Handler) RefundPricing(w http.ResponseWriter, r *http.Request) {
	o, err := h.ownOrder(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	p, err := h.refunds.Pricing(ctx, o.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	el, err := h.refunds.Eligibility(ctx, o.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("eligible", func(e *jx.Encoder) { e.Bool(el.Eligible) })
			if el.Reason != "" {
				encodeStr(e, "reason", el.Reason)
			}
			encodeMoney(e, "remaining", el.Remaining)
			encodeTime(e, "deadline", el.Deadline)
			encodeMoney(e, "subtotal", p.Subtotal)
			encodeMoney(e, "discount_pool", p.DiscountPool)
			encodeMoney(e, "shipping_fee", p.ShippingFee)
			e.Field("lines", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, l := range p.Lines {
						e.Obj(func(e *jx.Encoder) {
							encodeInt64(e, "order_item_id", l.OrderItemID)
							encodeInt64(e, "product_id", l.ProductID)
							e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
							encodeMoney(e, "line_total", l.LineTotal)
							encodeMoney(e, "line_discount", l.LineDiscount)
							encodeMoney(e, "net_total", l.NetTotal)
							encodeMoney(e, "unit_price", l.UnitPrice)
						})
					}
				})
			})
		})
	})
}

// ListRefunds returns the refund requests of one of the caller's orders.
func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	o, err := h.ownOrder(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	reqs, err := h.refunds.ListForOrder(r.Context(), o.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for i := range reqs {
				encodeRefund(e, &reqs[i])
			}
		})
	})
}

// SubmitRefund opens a self-service refund request for selected items.
func (h *Handler) SubmitRefund(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := refund.SubmitRequest{OrderID: id, UserID: userFrom(r.Context())}
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "reason":
			req.Reason, err = d.Str()
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				var sel refund.Selection
				err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "order_item_id":
						sel.OrderItemID, err = d.Int64()
					case "quantity":
						sel.Quantity, err = d.Int()
					default:
						return d.Skip()
					}
					return err
				})
				req.Items = append(req.Items, sel)
				return err
			})
		default:
			return d.Skip()
		}
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	created, err := h.refunds.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeRefund(e, created) })
}

// decision is the body of admin approve and reject calls.
type decision struct {
	Note    string
	Amount  *money.Money
	Restock bool
	Reason  string
}

func decodeDecision(r *http.Request) (decision, error) {
	var d decision
	if r.ContentLength == 0 {
		return d, nil
	}
	err := decodeObject(r, func(dec *jx.Decoder, key string) error {
		var err error
		switch key {
		case "note":
			d.Note, err = dec.Str()
		case "reason":
			d.Reason, err = dec.Str()
		case "restock":
			d.Restock, err = dec.Bool()
		case "amount":
			var m money.Money
			m, err = decodeMoney(dec)
			d.Amount = &m
		default:
			return dec.Skip()
		}
		return err
	})
	return d, err
}

// ApproveRefund pays out a pending request, optionally lowering the amount.
func (h *Handler) ApproveRefund(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := decodeDecision(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.refunds.Approve(r.Context(), refund.ApproveRequest{
		RequestID: id,
		Amount:    d.Amount,
		Restock:   d.Restock,
		Actor:     actorFrom(r.Context()),
		Note:      d.Note,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOutcome(e, out) })
}

// RejectRefund closes a pending request without paying.
func (h *Handler) RejectRefund(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := decodeDecision(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := h.refunds.Reject(r.Context(), id, actorFrom(r.Context()), d.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeRefund(e, req) })
}

// ResumeRefund settles a request stuck in processing.
func (h *Handler) ResumeRefund(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := decodeDecision(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.refunds.Resume(r.Context(), refund.ResumeRequest{
		RequestID: id,
		Restock:   d.Restock,
		Actor:     actorFrom(r.Context()),
		Note:      d.Note,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOutcome(e, out) })
}

// AdminRefund refunds an explicit amount of an order in one call.
func (h *Handler) AdminRefund(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := decodeDecision(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := refund.AdminRefundRequest{
		OrderID: id,
		Reason:  d.Reason,
		Actor:   actorFrom(r.Context()),
		Note:    d.Note,
	}
	if d.Amount != nil {
		req.Amount = *d.Amount
	}
	out, err := h.refunds.AdminRefund(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOutcome(e, out) })
}

func encodeRefund(e *jx.Encoder, r *refund.Request) {
	e.Obj(func(e *jx.Encoder) {
		encodeInt64(e, "id", r.ID)
		encodeInt64(e, "order_id", r.OrderID)
		encodeStr(e, "flow", string(r.Flow))
		encodeStr(e, "status", r.StatusLabel())
		encodeMoney(e, "requested_amount", r.RequestedAmount)
		if r.ApprovedAmount.IsPositive() {
			encodeMoney(e, "approved_amount", r.ApprovedAmount)
		}
		if r.Reason != "" {
			encodeStr(e, "reason", r.Reason)
		}
		e.Field("includes_shipping", func(e *jx.Encoder) { e.Bool(r.IncludesShipping) })
		if r.AdminNote != "" {
			encodeStr(e, "admin_note", r.AdminNote)
		}
		if r.FailureMessage != "" {
			encodeStr(e, "failure_message", r.FailureMessage)
		}
		encodeTime(e, "created_at", r.CreatedAt)
		if len(r.Items) == 0 {
			return
		}
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, it := range r.Items {
					e.Obj(func(e *jx.Encoder) {
						encodeInt64(e, "order_item_id", it.OrderItemID)
						e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
						encodeMoney(e, "unit_price", it.UnitPrice)
						encodeMoney(e, "amount", it.LineRefundAmount)
					})
				}
			})
		})
	})
}

func encodeOutcome(e *jx.Encoder, out *refund.Outcome) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("request", func(e *jx.Encoder) { encodeRefund(e, out.Request) })
		encodeMoney(e, "refunded", out.Refunded)
		if p := out.Posting; p != nil {
			e.Field("posting", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					encodeInt64(e, "id", p.ID)
					encodeMoney(e, "amount", p.Amount)
					encodeStr(e, "currency", p.Currency)
					encodeStr(e, "provider", string(p.Provider))
					encodeStr(e, "gateway_ref", p.GatewayRef)
				})
			})
		}
		encodeWarnings(e, out.Warnings)
	})
}
