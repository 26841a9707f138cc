package handler

import (
	"net/http"
	"strconv"

	"github.com/go-faster/jx"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/loyalty"
)

// Loyalty returns the caller's balance and recent ledger entries.
func (h *Handler) Loyalty(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userFrom(ctx)
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, apperr.Validation("invalid limit %q", v))
			return
		}
		limit = n
	}
	balance, err := h.points.Balance(ctx, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	history, err := h.points.History(ctx, userID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			encodeInt64(e, "balance", balance)
			encodeMoney(e, "value", h.points.ValueOf(balance))
			e.Field("transactions", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for i := range history {
						encodeTransaction(e, &history[i])
					}
				})
			})
		})
	})
}

// RedeemVoucher converts points into a private single-use coupon.
func (h *Handler) RedeemVoucher(w http.ResponseWriter, r *http.Request) {
	points, _, err := decodePoints(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.points.RedeemForVoucher(r.Context(), userFrom(r.Context()), points)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			encodeStr(e, "code", c.Code)
			encodeMoney(e, "value", h.points.ValueOf(points))
			encodeTime(e, "expires_at", c.EndDate)
		})
	})
}

// AdjustPoints posts a signed manual correction.
func (h *Handler) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	points, note, err := decodePoints(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.points.AdjustByAdmin(r.Context(), userID, points, actorFrom(r.Context()), note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeTransaction(e, t) })
}

// VerifyPoints compares the cached balance with the ledger sum.
func (h *Handler) VerifyPoints(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := h.points.VerifyBalance(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			encodeInt64(e, "user_id", d.UserID)
			encodeInt64(e, "cached", d.Cached)
			encodeInt64(e, "derived", d.Derived)
			e.Field("consistent", func(e *jx.Encoder) { e.Bool(d.Consistent()) })
		})
	})
}

func decodePoints(r *http.Request) (points int64, note string, err error) {
	err = decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "points":
			points, err = d.Int64()
		case "note":
			note, err = d.Str()
		default:
			return d.Skip()
		}
		return err
	})
	return points, note, err
}

func encodeTransaction(e *jx.Encoder, t *loyalty.Transaction) {
	e.Obj(func(e *jx.Encoder) {
		encodeInt64(e, "id", t.ID)
		if t.OrderID != nil {
			encodeInt64(e, "order_id", *t.OrderID)
		}
		encodeInt64(e, "points", t.Points)
		encodeStr(e, "kind", string(t.Kind))
		encodeStr(e, "reason", t.Reason)
		encodeTime(e, "created_at", t.CreatedAt)
	})
}
