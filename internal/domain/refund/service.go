package refund

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/inventory"
	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/pkg/money"
)

// Config holds the refund and return windows.
type Config struct {
	RefundWindow time.Duration
	ReturnWindow time.Duration
	// StuckAfter is how long a request must sit in processing before Resume
	// may take it over. It must exceed the gateway timeout.
	StuckAfter time.Duration
}

// DefaultStuckAfter is well past any gateway timeout.
const DefaultStuckAfter = 10 * time.Minute

// Deps are the collaborators of a Service.
type Deps struct {
	Orders   order.Repository
	Refunds  Repository
	Returns  ReturnRepository
	Tx       order.TxRunner
	Gateways Gateways
	Stock    *inventory.Ledger
	Points   Points
	Meter    metric.Meter
	Tracer   trace.Tracer
}

// Service runs the refund and return workflows.
type Service struct {
	orders   order.Repository
	refunds  Repository
	returns  ReturnRepository
	tx       order.TxRunner
	gateways Gateways
	stock    *inventory.Ledger
	points   Points
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time

	completed metric.Int64Counter
	failed    metric.Int64Counter
	amount    metric.Float64Counter
}

// NewService creates a refund Service.
func NewService(deps Deps, cfg Config) (*Service, error) {
	if cfg.RefundWindow <= 0 {
		cfg.RefundWindow = DefaultRefundWindow
	}
	if cfg.ReturnWindow <= 0 {
		cfg.ReturnWindow = DefaultReturnWindow
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = DefaultStuckAfter
	}
	s := &Service{
		orders:   deps.Orders,
		refunds:  deps.Refunds,
		returns:  deps.Returns,
		tx:       deps.Tx,
		gateways: deps.Gateways,
		stock:    deps.Stock,
		points:   deps.Points,
		tracer:   deps.Tracer,
		cfg:      cfg,
		now:      time.Now,
	}

	var err error
	if s.completed, err = deps.Meter.Int64Counter("ledger.refunds.completed",
		metric.WithDescription("Refund requests completed"),
	); err != nil {
		return nil, errors.Wrap(err, "refunds completed counter")
	}
	if s.failed, err = deps.Meter.Int64Counter("ledger.refunds.failed",
		metric.WithDescription("Refund requests failed at the gateway"),
	); err != nil {
		return nil, errors.Wrap(err, "refunds failed counter")
	}
	if s.amount, err = deps.Meter.Float64Counter("ledger.refunds.amount",
		metric.WithDescription("Money refunded"),
	); err != nil {
		return nil, errors.Wrap(err, "refund amount counter")
	}
	return s, nil
}

// Eligibility reports whether the order can be refunded now.
func (s *Service) Eligibility(ctx context.Context, orderID int64) (Eligibility, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return Eligibility{}, err
	}
	return BuildEligibility(o, s.cfg.RefundWindow, s.now()), nil
}

// Pricing returns the refundable price of each line of the order.
func (s *Service) Pricing(ctx context.Context, orderID int64) (Pricing, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return Pricing{}, err
	}
	items, err := s.orders.ItemsByOrderIDs(ctx, []int64{orderID})
	if err != nil {
		return Pricing{}, errors.Wrap(err, "load items")
	}
	return BuildPricing(o, items), nil
}

// Selection is one order item and how many of its units to refund.
type Selection struct {
	OrderItemID int64
	Quantity    int
}

// SubmitRequest is the customer's refund request input.
type SubmitRequest struct {
	OrderID int64
	UserID  int64
	Reason  string
	Items   []Selection
}

// Submit creates a self-service refund request. Quantities are checked against
// units not yet covered by earlier requests, and the shipping fee is added
// only when every remaining unit is selected.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Request, error) {
	if len(req.Items) == 0 {
		return nil, ErrNothingSelected
	}
	o, err := s.orders.GetByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != req.UserID {
		return nil, order.ErrNotFound
	}
	if e := BuildEligibility(o, s.cfg.RefundWindow, s.now()); !e.Eligible {
		return nil, apperr.New(apperr.KindConflict, e.Reason)
	}
	items, err := s.orders.ItemsByOrderIDs(ctx, []int64{o.ID})
	if err != nil {
		return nil, errors.Wrap(err, "load items")
	}

	var out *Request
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		// Serializes concurrent submissions for the order.
		locked, err := s.orders.LockByID(ctx, o.ID)
		if err != nil {
			return errors.Wrap(err, "lock order")
		}
		pending, err := s.refunds.HasPending(ctx, o.ID)
		if err != nil {
			return errors.Wrap(err, "check pending")
		}
		if pending {
			return ErrPendingExists
		}
		refunded, err := s.refunds.RefundedQuantities(ctx, o.ID)
		if err != nil {
			return errors.Wrap(err, "refunded quantities")
		}

		pricing := BuildPricing(locked, items)
		lines, amount, full, err := selectLines(pricing, refunded, req.Items)
		if err != nil {
			return err
		}
		if full {
			amount = amount.Add(pricing.ShippingFee)
		}
		remaining := locked.RemainingBalance()
		if amount > remaining.Add(money.Tolerance) {
			return ErrExceedsBalance
		}
		amount = money.Min(amount, remaining)

		now := s.now()
		r := &Request{
			OrderID:          o.ID,
			UserID:           req.UserID,
			Flow:             FlowSelfService,
			Status:           StatusPending,
			RequestedAmount:  amount,
			Reason:           req.Reason,
			IncludesShipping: full,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if r.ID, err = s.refunds.InsertRequest(ctx, r); err != nil {
			return errors.Wrap(err, "insert request")
		}
		for i := range lines {
			lines[i].RequestID = r.ID
			if lines[i].ID, err = s.refunds.InsertRequestItem(ctx, &lines[i]); err != nil {
				return errors.Wrap(err, "insert request item")
			}
		}
		r.Items = lines
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// selectLines validates selections against remaining quantities and prices
// them. full reports whether every remaining unit of the order was selected.
func selectLines(p Pricing, refunded map[int64]int, sel []Selection) (lines []RequestItem, amount money.Money, full bool, err error) {
	wanted := make(map[int64]int, len(sel))
	ids := make([]int64, 0, len(sel))
	for _, s := range sel {
		if s.Quantity <= 0 {
			continue
		}
		if _, ok := wanted[s.OrderItemID]; !ok {
			ids = append(ids, s.OrderItemID)
		}
		wanted[s.OrderItemID] += s.Quantity
	}
	if len(ids) == 0 {
		return nil, 0, false, ErrNothingSelected
	}

	for _, id := range ids {
		l, ok := p.Line(id)
		if !ok {
			return nil, 0, false, apperr.Validation("item %d is not part of this order", id)
		}
		remaining := l.Quantity - refunded[id]
		if wanted[id] > remaining {
			return nil, 0, false, apperr.Validation("Only %d unit(s) of item %d can still be refunded", max(remaining, 0), id)
		}
		line := l.UnitPrice.Mul(wanted[id])
		lines = append(lines, RequestItem{
			OrderItemID:      id,
			Quantity:         wanted[id],
			UnitPrice:        l.UnitPrice,
			LineRefundAmount: line,
		})
		amount = amount.Add(line)
	}

	full = true
	for _, l := range p.Lines {
		if l.Quantity-refunded[l.OrderItemID] != wanted[l.OrderItemID] {
			full = false
			break
		}
	}
	return lines, amount, full, nil
}

// ApproveRequest is the approver's decision.
type ApproveRequest struct {
	RequestID int64
	// Amount overrides the requested amount. It may only lower it.
	Amount  *money.Money
	Restock bool
	Actor   string
	Note    string
}

// Outcome is the result of an approval. Warnings list follow-up steps that
// failed after the money was already posted.
type Outcome struct {
	Request  *Request
	Posting  *Posting
	Refunded money.Money
	Warnings []string
}

// Approve pays out a pending request. The gateway is called outside any
// database transaction; the posting, the order's refunded amount and the
// request status are then written in one transaction under the order lock.
// Loyalty clawback and restocking run after commit and only produce warnings.
func (s *Service) Approve(ctx context.Context, req ApproveRequest) (_ *Outcome, rerr error) {
	ctx, span := s.tracer.Start(ctx, "refund.Approve",
		trace.WithAttributes(attribute.Int64("refund.request_id", req.RequestID)),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	var (
		r      *Request
		o      *order.Order
		amount money.Money
	)
	// Claim the request so a concurrent approval cannot reach the gateway.
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if r, err = s.refunds.LockRequest(ctx, req.RequestID); err != nil {
			return err
		}
		if r.Status != StatusPending {
			return ErrNotPending
		}
		if o, err = s.orders.LockByID(ctx, r.OrderID); err != nil {
			return errors.Wrap(err, "lock order")
		}
		if amount, err = approvedAmount(r, o, req.Amount); err != nil {
			return err
		}
		return s.refunds.UpdateStatus(ctx, r.ID, StatusUpdate{
			Status:         StatusProcessing,
			ApprovedAmount: amount,
			AdminNote:      adminNote(req.Actor, req.Note),
		})
	})
	if err != nil {
		return nil, err
	}

	return s.settle(ctx, r, o, amount, adminNote(req.Actor, req.Note), req.Restock)
}

// settle pays out a claimed request and records it. A gateway call is keyed
// by the request id, so settling the same request again never pays twice.
func (s *Service) settle(ctx context.Context, r *Request, o *order.Order, amount money.Money, note string, restock bool) (*Outcome, error) {
	lg := zctx.From(ctx).With(zap.Int64("refund_request_id", r.ID))
	posting := &Posting{
		RequestID:  r.ID,
		OrderID:    o.ID,
		Amount:     amount,
		Currency:   o.Currency,
		Provider:   o.PaymentMethod,
		GatewayRef: ManualReference,
		CreatedAt:  s.now(),
	}
	if o.PaymentMethod.Capturable() && o.CaptureID != "" {
		ref, err := s.refundCapture(ctx, o, r.ID, amount)
		if err != nil {
			s.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", string(o.PaymentMethod))))
			gerr := &GatewayError{RequestID: r.ID, Provider: o.PaymentMethod, Err: err}
			s.markFailed(ctx, r.ID, amount, err.Error())
			return nil, gerr
		}
		posting.GatewayRef = ref
	}

	var refunded money.Money
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := s.refunds.LockRequest(ctx, r.ID)
		if err != nil {
			return err
		}
		if locked.Status != StatusProcessing {
			return ErrNotPending
		}
		current, err := s.orders.LockByID(ctx, o.ID)
		if err != nil {
			return errors.Wrap(err, "lock order")
		}
		if amount > current.RemainingBalance() {
			return ErrExceedsBalance
		}

		if posting.ID, err = s.refunds.InsertPosting(ctx, posting); err != nil {
			return errors.Wrap(err, "insert posting")
		}
		if refunded, err = s.orders.AddRefunded(ctx, o.ID, amount); err != nil {
			return errors.Wrap(err, "add refunded amount")
		}

		paymentStatus := order.PaymentPartiallyRefunded
		if refunded >= current.TotalAmount {
			paymentStatus = order.PaymentRefunded
			if err := s.orders.UpdateStatus(ctx, o.ID, closingStatus(current.Status)); err != nil {
				return errors.Wrap(err, "close order")
			}
		}
		if err := s.orders.UpdatePayment(ctx, o.ID, paymentStatus, current.CaptureID); err != nil {
			return errors.Wrap(err, "update payment status")
		}
		return s.refunds.UpdateStatus(ctx, r.ID, StatusUpdate{
			Status:         StatusCompleted,
			ApprovedAmount: amount,
			AdminNote:      note,
		})
	})
	if err != nil {
		if posting.GatewayRef != ManualReference {
			lg.Error("Gateway refund succeeded but ledger update failed",
				zap.String("gateway_ref", posting.GatewayRef),
				zap.String("amount", amount.String()),
				zap.Error(err),
			)
		}
		s.markFailed(ctx, r.ID, amount, err.Error())
		return nil, err
	}

	attrs := metric.WithAttributes(attribute.String("flow", string(r.Flow)))
	s.completed.Add(ctx, 1, attrs)
	s.amount.Add(ctx, amount.Float64(), attrs)
	lg.Info("Refund completed",
		zap.Int64("order_id", o.ID),
		zap.String("amount", amount.String()),
		zap.String("gateway_ref", posting.GatewayRef),
	)

	out := &Outcome{Posting: posting, Refunded: refunded}
	if s.points != nil {
		if _, err := s.points.ClawbackForRefund(ctx, o.ID, refunded); err != nil {
			lg.Warn("Loyalty clawback failed", zap.Error(err))
			out.Warnings = append(out.Warnings, "Loyalty points could not be adjusted: "+err.Error())
		}
	}
	if restock {
		out.Warnings = append(out.Warnings, s.restockRequest(ctx, r)...)
	}

	r.Status = StatusCompleted
	r.ApprovedAmount = amount
	r.AdminNote = note
	out.Request = r
	return out, nil
}

// ResumeRequest takes over a request left in processing.
type ResumeRequest struct {
	RequestID int64
	Restock   bool
	Actor     string
	Note      string
}

// Resume settles a request that was claimed for approval but never finished,
// for example because the process died during the gateway call. The gateway
// is called again with the same request id, so a refund the provider already
// made is replayed rather than paid twice. While a request stays in
// processing every further refund of its order is blocked.
func (s *Service) Resume(ctx context.Context, req ResumeRequest) (*Outcome, error) {
	var (
		r *Request
		o *order.Order
	)
	note := adminNote(req.Actor, req.Note)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if r, err = s.refunds.LockRequest(ctx, req.RequestID); err != nil {
			return err
		}
		if r.Status != StatusProcessing {
			return ErrNotProcessing
		}
		if age := s.now().Sub(r.UpdatedAt); age < s.cfg.StuckAfter {
			return apperr.Conflict("Refund request %d has been processing for %s only", r.ID, age.Round(time.Second))
		}
		if o, err = s.orders.LockByID(ctx, r.OrderID); err != nil {
			return errors.Wrap(err, "lock order")
		}
		// Touch the request so a concurrent Resume sees it as fresh.
		return s.refunds.UpdateStatus(ctx, r.ID, StatusUpdate{
			Status:         StatusProcessing,
			ApprovedAmount: r.ApprovedAmount,
			AdminNote:      note,
		})
	})
	if err != nil {
		return nil, err
	}
	zctx.From(ctx).Warn("Resuming stuck refund",
		zap.Int64("refund_request_id", r.ID),
		zap.Int64("order_id", o.ID),
		zap.String("amount", r.ApprovedAmount.String()),
	)
	return s.settle(ctx, r, o, r.ApprovedAmount, note, req.Restock)
}

func approvedAmount(r *Request, o *order.Order, override *money.Money) (money.Money, error) {
	amount := r.RequestedAmount
	if override != nil {
		if !override.IsPositive() {
			return 0, apperr.Validation("Refund amount must be greater than 0")
		}
		if *override > r.RequestedAmount {
			return 0, apperr.Validation("Refund amount cannot exceed the requested %s", r.RequestedAmount)
		}
		amount = *override
	}
	remaining := o.RemainingBalance()
	if amount > remaining.Add(money.Tolerance) {
		return 0, ErrExceedsBalance
	}
	amount = money.Min(amount, remaining)
	if !amount.IsPositive() {
		return 0, ErrExceedsBalance
	}
	return amount, nil
}

// closingStatus is where a fully refunded order ends: cancelled when it never
// left the warehouse, returned otherwise.
func closingStatus(current order.Status) order.Status {
	switch order.Canonical(string(current)) {
	case order.StatusProcessing, order.StatusPacking:
		return order.StatusCancelled
	default:
		return order.StatusReturned
	}
}

func (s *Service) refundCapture(ctx context.Context, o *order.Order, requestID int64, amount money.Money) (string, error) {
	ctx, span := s.tracer.Start(ctx, "refund.Gateway",
		trace.WithAttributes(attribute.String("payment.provider", string(o.PaymentMethod))),
	)
	defer span.End()

	gw, ok := s.gateways.For(o.PaymentMethod)
	if !ok {
		err := errors.Errorf("no gateway configured for %s", o.PaymentMethod)
		span.RecordError(err)
		return "", err
	}
	res, err := gw.RefundCapture(ctx, CaptureRefund{
		RequestID: requestID,
		CaptureID: o.CaptureID,
		Amount:    amount,
		Currency:  o.Currency,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if res.ID == "" {
		return o.CaptureID, nil
	}
	return res.ID, nil
}

func (s *Service) markFailed(ctx context.Context, id int64, amount money.Money, msg string) {
	// The request context may be gone; the failure must still be recorded.
	ctx = context.WithoutCancel(ctx)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.refunds.UpdateStatus(ctx, id, StatusUpdate{
			Status:         StatusFailed,
			ApprovedAmount: amount,
			FailureMessage: msg,
		})
	})
	if err != nil {
		zctx.From(ctx).Error("Mark refund request failed", zap.Int64("refund_request_id", id), zap.Error(err))
	}
}

func (s *Service) restockRequest(ctx context.Context, r *Request) []string {
	lg := zctx.From(ctx)
	reqItems, err := s.refunds.RequestItems(ctx, r.ID)
	if err != nil {
		lg.Warn("Load refund items for restock", zap.Error(err))
		return []string{"Stock was not restored: " + err.Error()}
	}
	if len(reqItems) == 0 {
		return nil
	}
	items, err := s.orders.ItemsByOrderIDs(ctx, []int64{r.OrderID})
	if err != nil {
		lg.Warn("Load order items for restock", zap.Error(err))
		return []string{"Stock was not restored: " + err.Error()}
	}
	byID := make(map[int64]order.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	var warnings []string
	for _, ri := range reqItems {
		it, ok := byID[ri.OrderItemID]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("Order item %d not found for restock", ri.OrderItemID))
			continue
		}
		if err := s.stock.Restock(ctx, it.VariantID, it.ProductID, ri.Quantity); err != nil {
			lg.Warn("Restock failed",
				zap.Int64("variant_id", it.VariantID),
				zap.Int("quantity", ri.Quantity),
				zap.Error(err),
			)
			warnings = append(warnings, fmt.Sprintf("Could not restock %s: %v", it.ProductName, err))
		}
	}
	return warnings
}

// Reject closes a pending request without moving money or stock.
func (s *Service) Reject(ctx context.Context, requestID int64, actor, note string) (*Request, error) {
	var out *Request
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.refunds.LockRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if r.Status != StatusPending {
			return ErrNotPending
		}
		r.Status = StatusRejected
		r.AdminNote = adminNote(actor, note)
		if err := s.refunds.UpdateStatus(ctx, r.ID, StatusUpdate{
			Status:    r.Status,
			AdminNote: r.AdminNote,
		}); err != nil {
			return errors.Wrap(err, "update request")
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AdminRefundRequest is an operator-initiated refund of an explicit amount.
type AdminRefundRequest struct {
	OrderID int64
	Amount  money.Money
	Reason  string
	Actor   string
	Note    string
}

// AdminRefund records an admin request and approves it in one call. Unlike
// customer requests it ignores the refund window but still requires a paid
// order and respects the remaining balance.
func (s *Service) AdminRefund(ctx context.Context, req AdminRefundRequest) (*Outcome, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation("Refund amount must be greater than 0")
	}

	var r *Request
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.LockByID(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if o.PaymentStatus != order.PaymentPaid && o.PaymentStatus != order.PaymentPartiallyRefunded {
			return apperr.Conflict("Order %s has not been paid", o.OrderNumber)
		}
		if req.Amount > o.RemainingBalance().Add(money.Tolerance) {
			return ErrExceedsBalance
		}
		pending, err := s.refunds.HasPending(ctx, o.ID)
		if err != nil {
			return errors.Wrap(err, "check pending")
		}
		if pending {
			return ErrPendingExists
		}

		now := s.now()
		r = &Request{
			OrderID:         o.ID,
			UserID:          o.UserID,
			Flow:            FlowAdmin,
			Status:          StatusPending,
			RequestedAmount: money.Min(req.Amount, o.RemainingBalance()),
			Reason:          req.Reason,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if r.ID, err = s.refunds.InsertRequest(ctx, r); err != nil {
			return errors.Wrap(err, "insert request")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.Approve(ctx, ApproveRequest{
		RequestID: r.ID,
		Actor:     req.Actor,
		Note:      req.Note,
	})
}

// Get returns a request with its items.
func (s *Service) Get(ctx context.Context, id int64) (*Request, error) {
	r, err := s.refunds.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Items, err = s.refunds.RequestItems(ctx, id); err != nil {
		return nil, errors.Wrap(err, "load request items")
	}
	return r, nil
}

// ListForOrder returns the order's requests, newest first.
func (s *Service) ListForOrder(ctx context.Context, orderID int64) ([]Request, error) {
	return s.refunds.ListByOrder(ctx, orderID)
}

// Postings returns money moved for the order.
func (s *Service) Postings(ctx context.Context, orderID int64) ([]Posting, error) {
	return s.refunds.PostingsByOrder(ctx, orderID)
}

func adminNote(actor, note string) string {
	switch {
	case actor == "" && note == "":
		return ""
	case actor == "":
		return note
	case note == "":
		return "by " + actor
	default:
		return fmt.Sprintf("by %s: %s", actor, note)
	}
}
