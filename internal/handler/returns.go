package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/shop-ledger/internal/domain/refund"
)

// SubmitReturn opens a return or exchange for one of the caller's orders.
func (h *Handler) SubmitReturn(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := refund.SubmitReturnRequest{OrderID: id, UserID: userFrom(r.Context()), Kind: refund.ReturnKindReturn}
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "type":
			var s string
			s, err = d.Str()
			req.Kind = refund.ReturnKind(s)
		case "reason":
			req.Reason, err = d.Str()
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				l, err := decodeReturnLine(d)
				req.Lines = append(req.Lines, l)
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
	ret, err := h.refunds.SubmitReturn(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeReturn(e, ret) })
}

func decodeReturnLine(d *jx.Decoder) (refund.ReturnLine, error) {
	var l refund.ReturnLine
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "order_item_id":
			l.OrderItemID, err = d.Int64()
		case "quantity":
			l.Quantity, err = d.Int()
		case "exchange_variant_id":
			var id int64
			id, err = d.Int64()
			l.ExchangeVariantID = &id
		default:
			return d.Skip()
		}
		return err
	})
	return l, err
}

// ListReturns returns the return requests of one of the caller's orders.
func (h *Handler) ListReturns(w http.ResponseWriter, r *http.Request) {
	o, err := h.ownOrder(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rets, err := h.refunds.ListReturns(r.Context(), o.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for i := range rets {
				encodeReturn(e, &rets[i])
			}
		})
	})
}

// GetReturn returns one of the caller's returns with its notes.
func (h *Handler) GetReturn(w http.ResponseWriter, r *http.Request) {
	ret, err := h.ownReturn(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeReturn(e, ret) })
}

// AddReturnNote appends a customer note to a return.
func (h *Handler) AddReturnNote(w http.ResponseWriter, r *http.Request) {
	ret, err := h.ownReturn(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.addNote(w, r, ret.ID, "customer")
}

// AddAdminReturnNote appends a staff note to a return.
func (h *Handler) AddAdminReturnNote(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.addNote(w, r, id, actorFrom(r.Context()))
}

func (h *Handler) addNote(w http.ResponseWriter, r *http.Request, returnID int64, author string) {
	var body string
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "body" {
			return d.Skip()
		}
		var err error
		body, err = d.Str()
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.refunds.AddNote(r.Context(), returnID, author, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeNote(e, n) })
}

// ApproveReturn restocks the returned units.
func (h *Handler) ApproveReturn(w http.ResponseWriter, r *http.Request) {
	h.decideReturn(w, r, h.refunds.ApproveReturn)
}

// RejectReturn closes a pending return.
func (h *Handler) RejectReturn(w http.ResponseWriter, r *http.Request) {
	h.decideReturn(w, r, h.refunds.RejectReturn)
}

type returnDecider func(ctx context.Context, returnID int64, actor, note string) (*refund.Return, error)

func (h *Handler) decideReturn(w http.ResponseWriter, r *http.Request, decide returnDecider) {
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
	ret, err := decide(r.Context(), id, actorFrom(r.Context()), d.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeReturn(e, ret) })
}

func (h *Handler) ownReturn(r *http.Request) (*refund.Return, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return nil, err
	}
	ret, err := h.refunds.GetReturn(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if ret.UserID != userFrom(r.Context()) {
		return nil, refund.ErrReturnNotFound
	}
	return ret, nil
}

func encodeReturn(e *jx.Encoder, ret *refund.Return) {
	e.Obj(func(e *jx.Encoder) {
		encodeInt64(e, "id", ret.ID)
		encodeInt64(e, "order_id", ret.OrderID)
		encodeStr(e, "type", string(ret.Kind))
		encodeStr(e, "status", ret.Status.Label(refund.FlowSelfService))
		if ret.Reason != "" {
			encodeStr(e, "reason", ret.Reason)
		}
		encodeTime(e, "created_at", ret.CreatedAt)
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, it := range ret.Items {
					e.Obj(func(e *jx.Encoder) {
						encodeInt64(e, "order_item_id", it.OrderItemID)
						e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
						if it.ExchangeVariantID != nil {
							encodeInt64(e, "exchange_variant_id", *it.ExchangeVariantID)
						}
					})
				}
			})
		})
		e.Field("notes", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for i := range ret.Notes {
					encodeNote(e, &ret.Notes[i])
				}
			})
		})
	})
}

func encodeNote(e *jx.Encoder, n *refund.Note) {
	e.Obj(func(e *jx.Encoder) {
		encodeInt64(e, "id", n.ID)
		encodeStr(e, "author", n.Author)
		encodeStr(e, "body", n.Body)
		encodeTime(e, "created_at", n.CreatedAt)
	})
}
