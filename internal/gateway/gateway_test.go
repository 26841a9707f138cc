package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/internal/domain/refund"
	"github.com/xenking/shop-ledger/pkg/money"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New("paypal", Config{BaseURL: srv.URL + "/v2/payments/", Token: "secret", Timeout: 5 * time.Second},
		tracenoop.NewTracerProvider())
	require.NoError(t, err)
	return c
}

func TestRefundCapture_Success(t *testing.T) {
	var (
		gotPath, gotAuth, gotKey string
		gotValue, gotCurrency    string
	)
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		body, _ := io.ReadAll(r.Body)
		_ = jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
			if key != "amount" {
				return d.Skip()
			}
			return d.Obj(func(d *jx.Decoder, key string) error {
				v, err := d.Str()
				switch key {
				case "value":
					gotValue = v
				case "currency_code":
					gotCurrency = v
				}
				return err
			})
		})
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"RF-77","status":"COMPLETED","links":[{"rel":"self"}]}`))
	})

	res, err := c.RefundCapture(context.Background(), refund.CaptureRefund{RequestID: 41, CaptureID: "CAP-1", Amount: money.MustParse("12.34"), Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, "RF-77", res.ID)
	assert.Equal(t, "COMPLETED", res.Status)

	assert.Equal(t, "/v2/payments/captures/CAP-1/refund", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "refund-41", gotKey)
	assert.Equal(t, "12.34", gotValue)
	assert.Equal(t, "USD", gotCurrency)
}

func TestRefundCapture_KeyedByRequest(t *testing.T) {
	var (
		mu    sync.Mutex
		seen  = map[string]string{}
		moved int
	)
	// Replays the first answer for a known key, like PayPal and Stripe do.
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		key := r.Header.Get("Idempotency-Key")
		body, ok := seen[key]
		if !ok {
			moved++
			body = fmt.Sprintf(`{"id":"RF-%d","status":"COMPLETED"}`, moved)
			seen[key] = body
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(body))
	})
	ctx := context.Background()
	first := refund.CaptureRefund{RequestID: 1, CaptureID: "CAP1", Amount: money.FromInt(10), Currency: "USD"}
	second := first
	second.RequestID = 2

	a, err := c.RefundCapture(ctx, first)
	require.NoError(t, err)
	b, err := c.RefundCapture(ctx, second)
	require.NoError(t, err)
	retry, err := c.RefundCapture(ctx, first)
	require.NoError(t, err)

	assert.Equal(t, 2, moved, "equal amounts of separate requests are separate refunds")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.ID, retry.ID)
}

func TestRefundCapture_EmptyBodyIsSuccess(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	res, err := c.RefundCapture(context.Background(), refund.CaptureRefund{RequestID: 1, CaptureID: "CAP-2", Amount: money.FromInt(5), Currency: "EUR"})
	require.NoError(t, err)
	assert.Empty(t, res.ID)
}

func TestRefundCapture_Refused(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"message", `{"name":"UNPROCESSABLE_ENTITY","message":"Capture already refunded"}`, "Capture already refunded"},
		{"nested error", `{"error":{"type":"invalid_request_error","message":"Charge ch_1 has been refunded"}}`, "Charge ch_1 has been refunded"},
		{"error string", `{"error":"invalid_grant","error_description":"token expired"}`, "invalid_grant"},
		{"not json", `upstream exploded`, "422 Unprocessable Entity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.RefundCapture(context.Background(), refund.CaptureRefund{RequestID: 1, CaptureID: "CAP-3", Amount: money.FromInt(5), Currency: "USD"})
			var gerr *Error
			require.ErrorAs(t, err, &gerr)
			assert.Equal(t, http.StatusUnprocessableEntity, gerr.StatusCode)
			assert.Equal(t, tt.want, gerr.Message)
			assert.Equal(t, apperr.KindGateway, apperr.KindOf(err))
		})
	}
}

func TestRefundCapture_InvalidInput(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
	})

	for _, in := range []refund.CaptureRefund{
		{RequestID: 1, Amount: money.FromInt(5)},
		{RequestID: 1, CaptureID: "CAP", Amount: money.Zero},
		{CaptureID: "CAP", Amount: money.FromInt(5)},
	} {
		_, err := c.RefundCapture(context.Background(), in)
		assert.Equal(t, apperr.KindGateway, apperr.KindOf(err), in)
	}
}

func TestRefundCapture_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, err := New("stripe", Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = c.RefundCapture(context.Background(), refund.CaptureRefund{RequestID: 1, CaptureID: "CAP-4", Amount: money.FromInt(5), Currency: "USD"})
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Zero(t, gerr.StatusCode)
	assert.Equal(t, "stripe", gerr.Provider)
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New("nets", Config{}, nil)
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	c, err := New("paypal", Config{BaseURL: "http://localhost"}, nil)
	require.NoError(t, err)

	r := NewRegistry()
	r.Register(order.PaymentPayPal, c)

	gw, ok := r.For(order.PaymentPayPal)
	require.True(t, ok)
	assert.Same(t, c, gw)
	_, ok = r.For(order.PaymentCOD)
	assert.False(t, ok)
	assert.Equal(t, []order.PaymentMethod{order.PaymentPayPal}, r.Methods())
}
