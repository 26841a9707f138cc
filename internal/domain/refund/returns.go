package refund

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/order"
)

// ReturnKind tells whether returned goods are refunded or swapped.
type ReturnKind string

const (
	ReturnKindReturn   ReturnKind = "return"
	ReturnKindExchange ReturnKind = "exchange"
)

// Return is a return or exchange request.
type Return struct {
	ID        int64
	OrderID   int64
	UserID    int64
	Kind      ReturnKind
	Status    Status
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time

	Items []ReturnItem
	Notes []Note
}

// ReturnItem is a returned line. ExchangeVariantID is the replacement
// variant for exchanges.
type ReturnItem struct {
	ID                int64
	ReturnID          int64
	OrderItemID       int64
	Quantity          int
	ExchangeVariantID *int64
}

// Note is an entry in a return's conversation log.
type Note struct {
	ID        int64
	ReturnID  int64
	Author    string
	Body      string
	CreatedAt time.Time
}

// ReturnRepository persists returns, their items and notes.
type ReturnRepository interface {
	InsertReturn(ctx context.Context, r *Return) (int64, error)
	InsertReturnItem(ctx context.Context, it *ReturnItem) (int64, error)
	GetReturn(ctx context.Context, id int64) (*Return, error)
	LockReturn(ctx context.Context, id int64) (*Return, error)
	ReturnItems(ctx context.Context, returnID int64) ([]ReturnItem, error)
	ListReturnsByOrder(ctx context.Context, orderID int64) ([]Return, error)
	HasOpenReturn(ctx context.Context, orderID int64) (bool, error)
	UpdateReturnStatus(ctx context.Context, id int64, status Status) error
	InsertNote(ctx context.Context, n *Note) (int64, error)
	Notes(ctx context.Context, returnID int64) ([]Note, error)
}

// ReturnLine selects units to return and, for exchanges, the replacement.
type ReturnLine struct {
	OrderItemID       int64
	Quantity          int
	ExchangeVariantID *int64
}

// SubmitReturnRequest is the customer's return input.
type SubmitReturnRequest struct {
	OrderID int64
	UserID  int64
	Kind    ReturnKind
	Reason  string
	Lines   []ReturnLine
}

// SubmitReturn opens a return or exchange within the return window.
func (s *Service) SubmitReturn(ctx context.Context, req SubmitReturnRequest) (*Return, error) {
	if req.Kind != ReturnKindReturn && req.Kind != ReturnKindExchange {
		return nil, apperr.Validation("unknown return type %q", req.Kind)
	}
	if len(req.Lines) == 0 {
		return nil, ErrNothingSelected
	}
	o, err := s.orders.GetByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != req.UserID {
		return nil, order.ErrNotFound
	}
	if e := BuildEligibility(o, s.cfg.ReturnWindow, s.now()); !e.Eligible {
		return nil, apperr.New(apperr.KindConflict, strings.Replace(e.Reason, "refund", "return", 1))
	}
	items, err := s.orders.ItemsByOrderIDs(ctx, []int64{o.ID})
	if err != nil {
		return nil, errors.Wrap(err, "load items")
	}
	byID := make(map[int64]order.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	for _, l := range req.Lines {
		it, ok := byID[l.OrderItemID]
		if !ok {
			return nil, apperr.Validation("item %d is not part of this order", l.OrderItemID)
		}
		if l.Quantity <= 0 || l.Quantity > it.Quantity {
			return nil, apperr.Validation("quantity for %s must be between 1 and %d", it.ProductName, it.Quantity)
		}
		if req.Kind == ReturnKindExchange && l.ExchangeVariantID == nil {
			return nil, apperr.Validation("select a replacement for %s", it.ProductName)
		}
	}

	var out *Return
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.orders.LockByID(ctx, o.ID); err != nil {
			return errors.Wrap(err, "lock order")
		}
		open, err := s.returns.HasOpenReturn(ctx, o.ID)
		if err != nil {
			return errors.Wrap(err, "check open returns")
		}
		if open {
			return apperr.Conflict("A return request is already open for order %s", o.OrderNumber)
		}

		now := s.now()
		r := &Return{
			OrderID:   o.ID,
			UserID:    req.UserID,
			Kind:      req.Kind,
			Status:    StatusPending,
			Reason:    req.Reason,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if r.ID, err = s.returns.InsertReturn(ctx, r); err != nil {
			return errors.Wrap(err, "insert return")
		}
		for _, l := range req.Lines {
			it := ReturnItem{
				ReturnID:          r.ID,
				OrderItemID:       l.OrderItemID,
				Quantity:          l.Quantity,
				ExchangeVariantID: l.ExchangeVariantID,
			}
			if it.ID, err = s.returns.InsertReturnItem(ctx, &it); err != nil {
				return errors.Wrap(err, "insert return item")
			}
			r.Items = append(r.Items, it)
		}
		if strings.TrimSpace(req.Reason) != "" {
			n := Note{ReturnID: r.ID, Author: "customer", Body: req.Reason, CreatedAt: now}
			if n.ID, err = s.returns.InsertNote(ctx, &n); err != nil {
				return errors.Wrap(err, "insert note")
			}
			r.Notes = append(r.Notes, n)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddNote appends a note to a return.
func (s *Service) AddNote(ctx context.Context, returnID int64, author, body string) (*Note, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperr.Validation("note must not be empty")
	}
	if _, err := s.returns.GetReturn(ctx, returnID); err != nil {
		return nil, err
	}
	n := &Note{ReturnID: returnID, Author: author, Body: body, CreatedAt: s.now()}
	id, err := s.returns.InsertNote(ctx, n)
	if err != nil {
		return nil, errors.Wrap(err, "insert note")
	}
	n.ID = id
	return n, nil
}

// ApproveReturn restocks the returned units in one transaction. Exchanges
// take the replacement units from stock; returns close the order as returned.
func (s *Service) ApproveReturn(ctx context.Context, returnID int64, actor, note string) (*Return, error) {
	var out *Return
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.returns.LockReturn(ctx, returnID)
		if err != nil {
			return err
		}
		if r.Status != StatusPending {
			return apperr.Conflict("return request is %s", r.Status)
		}
		o, err := s.orders.LockByID(ctx, r.OrderID)
		if err != nil {
			return errors.Wrap(err, "lock order")
		}
		if r.Items, err = s.returns.ReturnItems(ctx, r.ID); err != nil {
			return errors.Wrap(err, "load return items")
		}
		items, err := s.orders.ItemsByOrderIDs(ctx, []int64{o.ID})
		if err != nil {
			return errors.Wrap(err, "load order items")
		}
		byID := make(map[int64]order.Item, len(items))
		for _, it := range items {
			byID[it.ID] = it
		}

		for _, ri := range r.Items {
			it, ok := byID[ri.OrderItemID]
			if !ok {
				return errors.Errorf("order item %d missing", ri.OrderItemID)
			}
			if err := s.stock.Restock(ctx, it.VariantID, it.ProductID, ri.Quantity); err != nil {
				return err
			}
			if r.Kind == ReturnKindExchange && ri.ExchangeVariantID != nil {
				v, err := s.stock.ResolveVariant(ctx, it.ProductID, ri.ExchangeVariantID, ri.Quantity)
				if err != nil {
					return err
				}
				if err := s.stock.DecrementForOrder(ctx, v, ri.Quantity); err != nil {
					return err
				}
			}
		}

		if r.Kind == ReturnKindReturn {
			if err := s.orders.UpdateStatus(ctx, o.ID, order.StatusReturned); err != nil {
				return errors.Wrap(err, "update order status")
			}
		}
		if err := s.returns.UpdateReturnStatus(ctx, r.ID, StatusCompleted); err != nil {
			return errors.Wrap(err, "update return")
		}
		if err := s.appendDecision(ctx, r, actor, "Approved", note); err != nil {
			return err
		}
		r.Status = StatusCompleted
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	zctx.From(ctx).Info("Return approved",
		zap.Int64("return_id", out.ID),
		zap.String("kind", string(out.Kind)),
	)
	return out, nil
}

// RejectReturn closes a pending return without stock effect.
func (s *Service) RejectReturn(ctx context.Context, returnID int64, actor, note string) (*Return, error) {
	var out *Return
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.returns.LockReturn(ctx, returnID)
		if err != nil {
			return err
		}
		if r.Status != StatusPending {
			return apperr.Conflict("return request is %s", r.Status)
		}
		if err := s.returns.UpdateReturnStatus(ctx, r.ID, StatusRejected); err != nil {
			return errors.Wrap(err, "update return")
		}
		if err := s.appendDecision(ctx, r, actor, "Rejected", note); err != nil {
			return err
		}
		r.Status = StatusRejected
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) appendDecision(ctx context.Context, r *Return, actor, verb, note string) error {
	body := verb
	if note = strings.TrimSpace(note); note != "" {
		body += ": " + note
	}
	n := Note{ReturnID: r.ID, Author: actor, Body: body, CreatedAt: s.now()}
	id, err := s.returns.InsertNote(ctx, &n)
	if err != nil {
		return errors.Wrap(err, "insert note")
	}
	n.ID = id
	r.Notes = append(r.Notes, n)
	return nil
}

// GetReturn returns a return with its items and notes.
func (s *Service) GetReturn(ctx context.Context, id int64) (*Return, error) {
	r, err := s.returns.GetReturn(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Items, err = s.returns.ReturnItems(ctx, id); err != nil {
		return nil, errors.Wrap(err, "load return items")
	}
	if r.Notes, err = s.returns.Notes(ctx, id); err != nil {
		return nil, errors.Wrap(err, "load notes")
	}
	return r, nil
}

// ListReturns returns the order's return requests.
func (s *Service) ListReturns(ctx context.Context, orderID int64) ([]Return, error) {
	return s.returns.ListReturnsByOrder(ctx, orderID)
}
