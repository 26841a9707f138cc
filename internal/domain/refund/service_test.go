package refund_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/inventory"
	"github.com/xenking/shop-ledger/internal/domain/loyalty"
	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/internal/domain/refund"
	"github.com/xenking/shop-ledger/internal/storage/memstore"
	"github.com/xenking/shop-ledger/pkg/money"
)

const userID = 9

// fakeGateway replays the first answer for a request id it has already seen.
type fakeGateway struct {
	mu      sync.Mutex
	calls   int
	amounts []money.Money
	seen    map[int64]bool
	err     error
}

func (g *fakeGateway) RefundCapture(_ context.Context, in refund.CaptureRefund) (*refund.GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	if !g.seen[in.RequestID] {
		if g.seen == nil {
			g.seen = map[int64]bool{}
		}
		g.seen[in.RequestID] = true
		g.amounts = append(g.amounts, in.Amount)
	}
	return &refund.GatewayResult{ID: "RF-" + in.CaptureID, Status: "COMPLETED"}, nil
}

type gatewayMap map[order.PaymentMethod]refund.Gateway

func (m gatewayMap) For(method order.PaymentMethod) (refund.Gateway, bool) {
	gw, ok := m[method]
	return gw, ok
}

type fixture struct {
	st     *memstore.Store
	gw     *fakeGateway
	points *loyalty.Ledger
	svc    *refund.Service

	order  order.WithItems
	shirt  inventory.Variant
	hat    inventory.Variant
	shirts order.Item
	hats   order.Item
}

// newFixture seeds an order of 2 shirts at 40.00 and 1 hat at 20.00 with a
// 20.00 discount and 5.00 shipping: total 85.00, refundable unit prices
// 32.00 and 16.00.
func newFixture(t *testing.T, method order.PaymentMethod, captureID string) *fixture {
	t.Helper()
	return newFixtureConfig(t, method, captureID, refund.Config{})
}

func newFixtureConfig(t *testing.T, method order.PaymentMethod, captureID string, cfg refund.Config) *fixture {
	t.Helper()
	st := memstore.New()
	st.AddUser(userID, 0)
	f := &fixture{st: st, gw: &fakeGateway{}}

	f.shirt = st.AddVariant(inventory.Variant{ProductID: 1, Size: "M", Quantity: 8})
	f.hat = st.AddVariant(inventory.Variant{ProductID: 2, Quantity: 4})
	f.order = st.AddOrder(order.Order{
		OrderNumber:    "ORD-TEST",
		UserID:         userID,
		Subtotal:       money.FromInt(100),
		ShippingAmount: money.FromInt(5),
		DiscountAmount: money.FromInt(20),
		TotalAmount:    money.FromInt(85),
		Currency:       "USD",
		Status:         order.StatusDelivered,
		PaymentStatus:  order.PaymentPaid,
		PaymentMethod:  method,
		CaptureID:      captureID,
		DeliveryMethod: order.FulfillmentDelivery,
		CreatedAt:      time.Now().Add(-24 * time.Hour),
	},
		order.Item{ProductID: 1, VariantID: f.shirt.ID, ProductName: "Shirt", Quantity: 2, UnitPrice: money.FromInt(40), TotalPrice: money.FromInt(80)},
		order.Item{ProductID: 2, VariantID: f.hat.ID, ProductName: "Hat", Quantity: 1, UnitPrice: money.FromInt(20), TotalPrice: money.FromInt(20)},
	)
	f.shirts, f.hats = f.order.Items[0], f.order.Items[1]

	f.points = loyalty.NewLedger(st.Loyalty(), st, st.Orders(), st.Coupons(), loyalty.DefaultConfig())
	svc, err := refund.NewService(refund.Deps{
		Orders:   st.Orders(),
		Refunds:  st.Refunds(),
		Returns:  st.Refunds(),
		Tx:       st,
		Gateways: gatewayMap{order.PaymentStripe: f.gw, order.PaymentPayPal: f.gw},
		Stock:    inventory.NewLedger(st.Stock()),
		Points:   f.points,
		Meter:    metricnoop.NewMeterProvider().Meter("test"),
		Tracer:   tracenoop.NewTracerProvider().Tracer("test"),
	}, cfg)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) submit(t *testing.T, sel ...refund.Selection) *refund.Request {
	t.Helper()
	r, err := f.svc.Submit(context.Background(), refund.SubmitRequest{
		OrderID: f.order.ID,
		UserID:  userID,
		Reason:  "does not fit",
		Items:   sel,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) stored(t *testing.T) order.Order {
	t.Helper()
	o, ok := f.st.Order(f.order.ID)
	require.True(t, ok)
	return o
}

func TestSubmit_PartialExcludesShipping(t *testing.T) {
	f := newFixture(t, order.PaymentCOD, "")

	r := f.submit(t, refund.Selection{OrderItemID: f.shirts.ID, Quantity: 1})
	assert.Equal(t, money.FromInt(32), r.RequestedAmount)
	assert.False(t, r.IncludesShipping)
	assert.Equal(t, refund.StatusPending, r.Status)
	assert.Equal(t, "requested", r.StatusLabel())
	require.Len(t, r.Items, 1)
	assert.Equal(t, money.FromInt(32), r.Items[0].UnitPrice)
}

func TestSubmit_FullIncludesShipping(t *testing.T) {
	f := newFixture(t, order.PaymentCOD, "")

	r := f.submit(t,
		refund.Selection{OrderItemID: f.shirts.ID, Quantity: 2},
		refund.Selection{OrderItemID: f.hats.ID, Quantity: 1},
	)
	assert.True(t, r.IncludesShipping)
	assert.Equal(t, money.FromInt(85), r.RequestedAmount)
}

func TestSubmit_ShippingFeeScenario(t *testing.T) {
	st := memstore.New()
	v := st.AddVariant(inventory.Variant{ProductID: 1, Quantity: 1})
	o := st.AddOrder(order.Order{
		UserID:         userID,
		Subtotal:       money.FromInt(20),
		ShippingAmount: money.FromInt(5),
		TotalAmount:    money.FromInt(25),
		Status:         order.StatusCompleted,
		PaymentStatus:  order.PaymentPaid,
		CreatedAt:      time.Now(),
	}, order.Item{ProductID: 1, VariantID: v.ID, Quantity: 2, UnitPrice: money.FromInt(10), TotalPrice: money.FromInt(20)})
	svc, err := refund.NewService(refund.Deps{
		Orders:  st.Orders(),
		Refunds: st.Refunds(),
		Returns: st.Refunds(),
		Tx:      st,
		Stock:   inventory.NewLedger(st.Stock()),
		Meter:   metricnoop.NewMeterProvider().Meter("test"),
		Tracer:  tracenoop.NewTracerProvider().Tracer("test"),
	}, refund.Config{})
	require.NoError(t, err)
	ctx := context.Background()

	half, err := svc.Submit(ctx, refund.SubmitRequest{OrderID: o.ID, UserID: userID,
		Items: []refund.Selection{{OrderItemID: o.Items[0].ID, Quantity: 1}}})
	require.NoError(t, err)
	assert.Equal(t, money.FromInt(10), half.RequestedAmount)

	_, err = svc.Reject(ctx, half.ID, "ops", "")
	require.NoError(t, err)

	all, err := svc.Submit(ctx, refund.SubmitRequest{OrderID: o.ID, UserID: userID,
		Items: []refund.Selection{{OrderItemID: o.Items[0].ID, Quantity: 2}}})
	require.NoError(t, err)
	assert.Equal(t, money.FromInt(25), all.RequestedAmount)
}

func TestSubmit_Rejections(t *testing.T) {
	f := newFixture(t, order.PaymentCOD, "")
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, refund.SubmitRequest{OrderID: f.order.ID, UserID: userID})
	require.ErrorIs(t, err, refund.ErrNothingSelected)

	_, err = f.svc.Submit(ctx, refund.SubmitRequest{OrderID: f.order.ID, UserID: userID + 1,
		Items: []refund.Selection{{OrderItemID: f.shirts.ID, Quantity: 1}}})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = f.svc.Submit(ctx, refund.SubmitRequest{OrderID: f.order.ID, UserID: userID,
		Items: []refund.Selection{{OrderItemID: f.shirts.ID, Quantity: 3}}})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.Submit(ctx, refund.SubmitRequest{OrderID: f.order.ID, UserID: userID,
		Items: []refund.Selection{{OrderItemID: 12345, Quantity: 1}}})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	f.submit(t, refund.Selection{OrderItemID: f.hats.ID, Quantity: 1})
	_, err = f.svc.Submit(ctx, refund.SubmitRequest{OrderID: f.order.ID, UserID: userID,
		Items: []refund.Selection{{OrderItemID: f.shirts.ID, Quantity: 1}}})
	require.ErrorIs(t, err, refund.ErrPendingExists)
}

func TestSubmit_OutsideWindow(t *testing.T) {
	st := memstore.New()
	o := st.AddOrder(order.Order{
		UserID:        userID,
		TotalAmount:   money.FromInt(10),
		Status:        order.StatusDelivered,
		PaymentStatus: order.PaymentPaid,
		CreatedAt:     time.Now().AddDate(0, 0, -15),
	}, order.Item{ProductID: 1, Quantity: 1, TotalPrice: money.FromInt(10)})
	svc, err := refund.NewService(refund.Deps{
		Orders: st.Orders(), Refunds: st.Refunds(), Returns: st.Refunds(), Tx: st,
		Meter:  metricnoop.NewMeterProvider().Meter("test"),
		Tracer: tracenoop.NewTracerProvider().Tracer("test"),
	}, refund.Config{})
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), refund.SubmitRequest{OrderID: o.ID, UserID: userID,
		Items: []refund.Selection{{OrderItemID: o.Items[0].ID, Quantity: 1}}})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestApprove_ManualWithRestockAndClawback(t *testing.T) {
	f := newFixture(t, order.PaymentCOD, "")
	ctx := context.Background()
	_, err := f.points.AwardForPaidOrder(ctx, f.order.ID)
	require.NoError(t, err)

	r := f.submit(t, refund.Selection{OrderItemID: f.shirts.ID, Quantity: 1})
	out, err := f.svc.Approve(ctx, refund.ApproveRequest{RequestID: r.ID, Restock: true, Actor: "alice"})
	require.NoError(t, err)
	assert.Empty(t, out.Warnings)
	assert.Equal(t, refund.ManualReference, out.Posting.GatewayRef)
	assert.Equal(t, money.FromInt(32), out.Posting.Amount)
	assert.Equal(t, money.FromInt(32), out.Refunded)
	assert.Equal(t, refund.StatusCompleted, out.Request.Status)
	assert.Zero(t, f.gw.calls)

	o := f.stored(t)
	assert.Equal(t, money.FromInt(32), o.RefundedAmount)
	assert.Equal(t, order.PaymentPartiallyRefunded, o.PaymentStatus)
	assert.Equal(t, order.StatusDelivered, o.Status)
	assert.Equal(t, 9, f.st.VariantQuantity(f.shirt.ID))

	bal, err := f.points.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(85-32), bal)

	stored, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, refund.StatusCompleted, stored.Status)
	assert.Equal(t, "by alice", stored.AdminNote)
}

func TestApprove_RemainingUnitsAfterPartialRefund(t *testing.T) {
	f := newFixture(t, order.PaymentCOD, "")
	ctx := context.Background()

	first := f.submit(t, refund.Selection{OrderItemID: f.shirts.ID, Quantity: 1})
	_, err := f.svc.Approve(ctx, refund.ApproveRequest{RequestID: first.ID})
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, refund.SubmitRequest{OrderID: f.order.ID, UserID: userID,
		Items: []refund.Selection{{OrderItemID: f.shirts.ID, Quantity: 2}}})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	rest := f.submit(t,
		refund.Selection{OrderItemID: f.shirts.ID, Quantity: 1},
		refund.Selection{OrderItemID: f.hats.ID, Quantity: 1},
	)
	assert.True(t, rest.IncludesShipping)
	assert.Equal(t, money.FromInt(53), rest.RequestedAmount)

	out, err := f.svc.Approve(ctx, refund.ApproveRequest{RequestID: rest.ID})
	require.NoError(t, err)
	assert.Equal(t, money.FromInt(85), out.Refunded)

	o := f.stored(t)
	assert.Equal(t, o.TotalAmount, o.RefundedAmount)
	assert.Equal(t, order.PaymentRefunded, o.PaymentStatus)
	assert.Equal(t, order.StatusReturned, o.Status)
}

func TestApprove_ThroughGateway(t *testing.T) {
	f := newFixture(t, order.PaymentStripe, "CAP-1")
	r := f.submit(t, refund.Selection{OrderItemID: f.hats.ID, Quantity: 1})

	out, err := f.svc.Approve(context.Background(), refund.ApproveRequest{RequestID: r.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, f.gw.calls)
	assert.Equal(t, []money.Money{money.FromInt(16)}, f.gw.amounts)
	assert.Equal(t, "RF-CAP-1", out.Posting.GatewayRef)
	assert.Len(t, f.st.Postings(), 1)
}

func TestAdminRefund_EqualAmountsMoveMoneyEachTime(t *testing.T) {
	f := newFixture(t, order.PaymentStripe, "CAP-1")
	ctx := context.Background()

	for range 2 {
		_, err := f.svc.AdminRefund(ctx, refund.AdminRefundRequest{
			OrderID: f.order.ID,
			Amount:  money.FromInt(10),
			Actor:   "ops",
		})
		require.NoError(t, err)
	}

	assert.Equal(t, []money.Money{money.FromInt(10), money.FromInt(10)}, f.gw.amounts)
	assert.Len(t, f.st.Postings(), 2)
	assert.Equal(t, money.FromInt(20), f.stored(t).RefundedAmount)
}

// claimOnly leaves a request in processing with the gateway already paid, as
// when the process dies between the gateway call and the ledger write.
func (f *fixture) claimOnly(t *testing.T, r *refund.Request, amount money.Money) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.st.Refunds().UpdateStatus(ctx, r.ID, refund.StatusUpdate{
		Status:         refund.StatusProcessing,
		ApprovedAmount: amount,
	}))
	_, err := f.gw.RefundCapture(ctx, refund.CaptureRefund{RequestID: r.ID, CaptureID: "CAP-1", Amount: amount})
	require.NoError(t, err)
}

func TestResume_SettlesStuckRequestOnce(t *testing.T) {
	f := newFixtureConfig(t, order.PaymentStripe, "CAP-1", refund.Config{StuckAfter: time.Nanosecond})
	ctx := context.Background()
	r := f.submit(t, refund.Selection{OrderItemID: f.hats.ID, Quantity: 1})
	f.claimOnly(t, r, money.FromInt(16))

	_, err := f.svc.AdminRefund(ctx, refund.AdminRefundRequest{OrderID: f.order.ID, Amount: money.FromInt(5), Actor: "ops"})
	require.ErrorIs(t, err, refund.ErrPendingExists)

	time.Sleep(time.Millisecond)
	out, err := f.svc.Resume(ctx, refund.ResumeRequest{RequestID: r.ID, Actor: "ops", Note: "after crash"})
	require.NoError(t, err)
	assert.Equal(t, refund.StatusCompleted, out.Request.Status)
	assert.Equal(t, money.FromInt(16), out.Refunded)
	assert.Equal(t, []money.Money{money.FromInt(16)}, f.gw.amounts, "the provider replays the first refund")
	assert.Len(t, f.st.Postings(), 1)

	_, err = f.svc.Resume(ctx, refund.ResumeRequest{RequestID: r.ID})
	require.ErrorIs(t, err, refund.ErrNotProcessing)

	_, err = f.svc.AdminRefund(ctx, refund.AdminRefundRequest{OrderID: f.order.ID, Amount: money.FromInt(5), Actor: "ops"})
	require.NoError(t, err)
}

func TestResume_RefusesFreshRequest(t *testing.T) {
	f := newFixture(t, order.PaymentStripe, "CAP-1")
	r := f.submit(t, refund.Selection{OrderItemID: f.hats.ID, Quantity: 1})
	f.claimOnly(t, r, money.FromInt(16))

	_, err := f.svc.Resume(context.Background(), refund.ResumeRequest{RequestID: r.ID})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Empty(t, f.st.Postings())
}

func TestApprove_GatewayFailureMarksFailed(t *testing.T) {
	f := newFixture(t, order.PaymentPayPal, "CAP-2")
	f.gw.err = errors.New("status 422: capture already refunded")
	r := f.submit(t, refund.Selection{OrderItemID: f.hats.ID, Quantity: 1})
	ctx := context.Background()

	_, err := f.svc.Approve(ctx, refund.ApproveRequest{RequestID: r.ID})
	var gerr *refund.GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, apperr.KindGateway, apperr.KindOf(err))

	stored, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, refund.StatusFailed, stored.Status)
	assert.Equal(t, "rejected", stored.StatusLabel())
	assert.Contains(t, stored.FailureMessage, "capture already refunded")

	assert.Empty(t, f.st.Postings())
	assert.Equal(t, money.Zero, f.stored(t).RefundedAmount)

	_, err = f.svc.Approve(ctx, refund.ApproveRequest{RequestID: r.ID})
	require.ErrorIs(t, err, refund.ErrNotPending)
	assert.Equal(t, 1, f.gw.calls)
}

func TestApprove_MissingGatewayFails(t *testing.T) {
	f := newFixture(t, order.PaymentNETS, "CAP-3")
	r := f.submit(t, refund.Selection{OrderItemID: f.hats.ID, Quantity: 1})

	_, err := f.svc.Approve(context.Background(), refund.ApproveRequest{RequestID: r.ID})
	assert.Equal(t, apperr.KindGateway, apperr.KindOf(err))
}

func TestApprove_Override(t *testing.T) {
	f := newFixture(t, order.PaymentCOD, "")
	r := f.submit(t, refund.Selection{OrderItemID: f.shirts.ID, Quantity: 1})
	ctx := context.Background()

	higher := money.FromInt(33)
	_, err := f.svc.Approve(ctx, refund.ApproveRequest{RequestID: r.ID, Amount: &higher})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	lower := money.FromInt(30)
	out, err := f.svc.Approve(ctx, refund.ApproveRequest{RequestID: r.ID, Amount: &lower})
	require.NoError(t, err)
	assert.Equal(t, lower, out.Posting.Amount)
	assert.Equal(t, lower, f.stored(t).RefundedAmount)

	_, err = f.svc.Approve(ctx, refund.ApproveRequest{RequestID: r.ID})
	require.ErrorIs(t, err, refund.ErrNotPending)
}

func TestReject(t *testing.T) {
	f := newFixture(t, order.PaymentCOD, "")
	r := f.submit(t, refund.Selection{OrderItemID: f.shirts.ID, Quantity: 1})
	ctx := context.Background()

	rejected, err := f.svc.Reject(ctx, r.ID, "bob", "worn item")
	require.NoError(t, err)
	assert.Equal(t, refund.StatusRejected, rejected.Status)
	assert.Equal(t, "by bob: worn item", rejected.AdminNote)

	_, err = f.svc.Reject(ctx, r.ID, "bob", "")
	require.ErrorIs(t, err, refund.ErrNotPending)
	assert.Equal(t, money.Zero, f.stored(t).RefundedAmount)
	assert.Equal(t, 8, f.st.VariantQuantity(f.shirt.ID))
}

func TestAdminRefund(t *testing.T) {
	f := newFixture(t, order.PaymentCOD, "")
	ctx := context.Background()

	_, err := f.svc.AdminRefund(ctx, refund.AdminRefundRequest{OrderID: f.order.ID, Amount: money.FromInt(86)})
	require.ErrorIs(t, err, refund.ErrExceedsBalance)

	_, err = f.svc.AdminRefund(ctx, refund.AdminRefundRequest{OrderID: f.order.ID})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	out, err := f.svc.AdminRefund(ctx, refund.AdminRefundRequest{
		OrderID: f.order.ID,
		Amount:  money.MustParse("10.50"),
		Reason:  "late delivery",
		Actor:   "carol",
	})
	require.NoError(t, err)
	assert.Equal(t, refund.FlowAdmin, out.Request.Flow)
	assert.Equal(t, "COMPLETED", out.Request.StatusLabel())
	assert.Equal(t, money.MustParse("10.50"), f.stored(t).RefundedAmount)

	list, err := f.svc.ListForOrder(ctx, f.order.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestAdminRefund_ConcurrentNeverExceedsTotal(t *testing.T) {
	f := newFixture(t, order.PaymentCOD, "")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.AdminRefund(context.Background(), refund.AdminRefundRequest{
				OrderID: f.order.ID,
				Amount:  money.FromInt(30),
			})
		}()
	}
	wg.Wait()

	o := f.stored(t)
	assert.LessOrEqual(t, int64(o.RefundedAmount), int64(o.TotalAmount))

	var posted money.Money
	for _, p := range f.st.Postings() {
		posted = posted.Add(p.Amount)
	}
	assert.Equal(t, o.RefundedAmount, posted)
}
