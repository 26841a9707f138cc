// Package gateway talks to payment providers to refund captured payments.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/refund"
	"github.com/xenking/shop-ledger/pkg/money"
)

// maxBody bounds how much of a provider response is read.
const maxBody = 1 << 20

// Config describes one provider endpoint.
type Config struct {
	BaseURL string        `usage:"Refund API base URL"`
	Token   string        `usage:"Bearer token for the refund API"`
	Timeout time.Duration `default:"30s" usage:"Refund call timeout"`
}

// Error is a refusal or transport failure reported by a provider.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Kind implements apperr.Kinded.
func (e *Error) Kind() apperr.Kind { return apperr.KindGateway }

// Client refunds captures through a provider's REST API:
//
//	POST {base}/captures/{captureID}/refund
//	{"amount":{"value":"12.34","currency_code":"USD"}}
//
// Any 2xx answer is a success. The response may carry {"id","status"}.
type Client struct {
	provider string
	base     *url.URL
	token    string
	http     *http.Client
}

var _ refund.Gateway = (*Client)(nil)

// New creates a Client. The transport is instrumented with otelhttp.
func New(provider string, cfg Config, tp trace.TracerProvider) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.Errorf("%s: base URL is required", provider)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: parse base URL", provider)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	opts := []otelhttp.Option{
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return provider + " " + r.Method
		}),
	}
	if tp != nil {
		opts = append(opts, otelhttp.WithTracerProvider(tp))
	}
	return &Client{
		provider: provider,
		base:     base,
		token:    cfg.Token,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
		},
	}, nil
}

// Provider returns the provider name.
func (c *Client) Provider() string { return c.provider }

// RefundCapture refunds part of a captured payment.
func (c *Client) RefundCapture(ctx context.Context, in refund.CaptureRefund) (*refund.GatewayResult, error) {
	if in.CaptureID == "" {
		return nil, &Error{Provider: c.provider, Message: "missing capture id"}
	}
	if in.RequestID <= 0 {
		return nil, &Error{Provider: c.provider, Message: "missing refund request id"}
	}
	if !in.Amount.IsPositive() {
		return nil, &Error{Provider: c.provider, Message: "refund amount must be positive"}
	}

	body := encodeRefund(in.Amount, in.Currency)
	u := c.base.JoinPath("captures", in.CaptureID, "refund")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Idempotency-Key", IdempotencyKey(in.RequestID))

	lg := zctx.From(ctx).With(
		zap.String("provider", c.provider),
		zap.String("capture_id", in.CaptureID),
		zap.Int64("refund_request_id", in.RequestID),
	)
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		lg.Warn("Refund call failed", zap.Error(err))
		return nil, &Error{Provider: c.provider, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &Error{Provider: c.provider, StatusCode: resp.StatusCode, Message: "read response: " + err.Error()}
	}
	lg.Debug("Refund call finished",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Provider:   c.provider,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw, resp.Status),
		}
	}
	res, err := decodeResult(raw)
	if err != nil {
		// The money moved; an unreadable body only loses the reference.
		lg.Warn("Decode refund response", zap.Error(err))
		return &refund.GatewayResult{}, nil
	}
	return res, nil
}

// IdempotencyKey is sent with every refund of a request. Providers replay the
// first answer for a key they have seen.
func IdempotencyKey(requestID int64) string {
	return fmt.Sprintf("refund-%d", requestID)
}

func encodeRefund(amount money.Money, currency string) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("amount")
	e.ObjStart()
	e.FieldStart("value")
	e.Str(amount.String())
	if currency != "" {
		e.FieldStart("currency_code")
		e.Str(strings.ToUpper(currency))
	}
	e.ObjEnd()
	e.ObjEnd()
	return e.Bytes()
}

func decodeResult(raw []byte) (*refund.GatewayResult, error) {
	res := &refund.GatewayResult{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return res, nil
	}
	d := jx.DecodeBytes(raw)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "id":
			v, err := d.Str()
			res.ID = v
			return err
		case "status":
			v, err := d.Str()
			res.Status = v
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode refund response")
	}
	return res, nil
}

// errorMessage extracts "message", "error" or "error.message" from a JSON
// error body, falling back to the HTTP status text.
func errorMessage(raw []byte, fallback string) string {
	var msg string
	d := jx.DecodeBytes(raw)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "message", "error_description":
			if d.Next() != jx.String {
				return d.Skip()
			}
			v, err := d.Str()
			if msg == "" {
				msg = v
			}
			return err
		case "error":
			switch d.Next() {
			case jx.String:
				v, err := d.Str()
				if msg == "" {
					msg = v
				}
				return err
			case jx.Object:
				return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
					if string(key) != "message" || d.Next() != jx.String {
						return d.Skip()
					}
					v, err := d.Str()
					msg = v
					return err
				})
			default:
				return d.Skip()
			}
		default:
			return d.Skip()
		}
	})
	if err != nil || msg == "" {
		return fallback
	}
	return msg
}
