package handler

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/discount"
	"github.com/xenking/shop-ledger/pkg/money"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// statusFor maps an error category to an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindInsufficientStock, apperr.KindCouponIneligible, apperr.KindInsufficientPoints:
		return http.StatusUnprocessableEntity
	case apperr.KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body func(e *jx.Encoder)) {
	var e jx.Encoder
	body(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		})
	})
}

// writeError answers with the category of err. Persistence errors are logged
// and hidden behind a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		writeMessage(w, status, "internal error")
		return
	}

	var inel *discount.IneligibleError
	errors.As(err, &inel)
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("kind", func(e *jx.Encoder) { e.Str(string(kind)) })
			e.Field("message", func(e *jx.Encoder) { e.Str(messageOf(err, inel)) })
			if inel != nil {
				e.Field("reason", func(e *jx.Encoder) { e.Str(string(inel.Reason)) })
			}
		})
	})
}

func messageOf(err error, inel *discount.IneligibleError) string {
	if inel != nil {
		return inel.Message
	}
	var k apperr.Kinded
	if errors.As(err, &k) {
		return k.Error()
	}
	return err.Error()
}

// decodeObject reads a JSON object body field by field. Any decode failure is
// a validation error.
func decodeObject(r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return apperr.Validation("read body: %v", err)
	}
	if len(data) == 0 {
		return apperr.Validation("request body is required")
	}
	if err := jx.DecodeBytes(data).Obj(fn); err != nil {
		var k apperr.Kinded
		if errors.As(err, &k) {
			return err
		}
		return apperr.Validation("malformed request body: %v", err)
	}
	return nil
}

// decodeMoney accepts an amount as a JSON number or a decimal string.
func decodeMoney(d *jx.Decoder) (money.Money, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return money.Zero, err
		}
		raw = s
	default:
		n, err := d.Num()
		if err != nil {
			return money.Zero, err
		}
		raw = n.String()
	}
	m, err := money.Parse(raw)
	if err != nil {
		return money.Zero, apperr.Validation("invalid amount %q", raw)
	}
	return m, nil
}

func decodeInt64s(d *jx.Decoder) ([]int64, error) {
	var out []int64
	err := d.Arr(func(d *jx.Decoder) error {
		v, err := d.Int64()
		out = append(out, v)
		return err
	})
	return out, err
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid %s %q", name, r.PathValue(name))
	}
	return id, nil
}

func encodeMoney(e *jx.Encoder, name string, m money.Money) {
	e.Field(name, func(e *jx.Encoder) { e.Str(m.String()) })
}

func encodeTime(e *jx.Encoder, name string, t time.Time) {
	if t.IsZero() {
		return
	}
	e.Field(name, func(e *jx.Encoder) { e.Str(t.UTC().Format(time.RFC3339)) })
}

func encodeStr(e *jx.Encoder, name, v string) {
	e.Field(name, func(e *jx.Encoder) { e.Str(v) })
}

func encodeInt64(e *jx.Encoder, name string, v int64) {
	e.Field(name, func(e *jx.Encoder) { e.Int64(v) })
}

func encodeWarnings(e *jx.Encoder, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	e.Field("warnings", func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for _, w := range warnings {
				e.Str(w)
			}
		})
	})
}
