package memstore

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/xenking/shop-ledger/internal/domain/refund"
)

var (
	_ refund.Repository       = (*Refunds)(nil)
	_ refund.ReturnRepository = (*Refunds)(nil)
)

// Refunds is the refund and return view of a Store.
type Refunds struct{ s *Store }

// Refunds returns the refund repository.
func (s *Store) Refunds() *Refunds { return &Refunds{s} }

// Postings returns all refund postings.
func (s *Store) Postings() []refund.Posting {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]refund.Posting, 0, len(s.st.postings))
	for _, p := range s.st.postings {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b refund.Posting) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (r *Refunds) InsertRequest(ctx context.Context, req *refund.Request) (int64, error) {
	defer r.s.guard(ctx)()
	stored := *req
	stored.ID = r.s.st.nextID()
	stored.Items = nil
	r.s.st.requests[stored.ID] = stored
	return stored.ID, nil
}

func (r *Refunds) InsertRequestItem(ctx context.Context, it *refund.RequestItem) (int64, error) {
	defer r.s.guard(ctx)()
	if _, ok := r.s.st.requests[it.RequestID]; !ok {
		return 0, refund.ErrRequestNotFound
	}
	stored := *it
	stored.ID = r.s.st.nextID()
	r.s.st.requestItems[stored.ID] = stored
	return stored.ID, nil
}

func (r *Refunds) GetRequest(ctx context.Context, id int64) (*refund.Request, error) {
	defer r.s.guard(ctx)()
	req, ok := r.s.st.requests[id]
	if !ok {
		return nil, refund.ErrRequestNotFound
	}
	return &req, nil
}

func (r *Refunds) LockRequest(ctx context.Context, id int64) (*refund.Request, error) {
	return r.GetRequest(ctx, id)
}

func (r *Refunds) RequestItems(ctx context.Context, requestID int64) ([]refund.RequestItem, error) {
	defer r.s.guard(ctx)()
	var out []refund.RequestItem
	for _, it := range r.s.st.requestItems {
		if it.RequestID == requestID {
			out = append(out, it)
		}
	}
	slices.SortFunc(out, func(a, b refund.RequestItem) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *Refunds) ListByOrder(ctx context.Context, orderID int64) ([]refund.Request, error) {
	defer r.s.guard(ctx)()
	var out []refund.Request
	for _, req := range r.s.st.requests {
		if req.OrderID == orderID {
			out = append(out, req)
		}
	}
	slices.SortFunc(out, func(a, b refund.Request) int { return cmp.Compare(b.ID, a.ID) })
	return out, nil
}

func (r *Refunds) HasPending(ctx context.Context, orderID int64) (bool, error) {
	defer r.s.guard(ctx)()
	for _, req := range r.s.st.requests {
		if req.OrderID == orderID && (req.Status == refund.StatusPending || req.Status == refund.StatusProcessing) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Refunds) RefundedQuantities(ctx context.Context, orderID int64) (map[int64]int, error) {
	defer r.s.guard(ctx)()
	out := make(map[int64]int)
	for _, it := range r.s.st.requestItems {
		req := r.s.st.requests[it.RequestID]
		if req.OrderID != orderID {
			continue
		}
		switch req.Status {
		case refund.StatusApproved, refund.StatusProcessing, refund.StatusCompleted:
			out[it.OrderItemID] += it.Quantity
		}
	}
	return out, nil
}

func (r *Refunds) UpdateStatus(ctx context.Context, id int64, upd refund.StatusUpdate) error {
	defer r.s.guard(ctx)()
	req, ok := r.s.st.requests[id]
	if !ok {
		return refund.ErrRequestNotFound
	}
	req.Status = upd.Status
	if upd.ApprovedAmount != 0 {
		req.ApprovedAmount = upd.ApprovedAmount
	}
	if upd.AdminNote != "" {
		req.AdminNote = upd.AdminNote
	}
	if upd.FailureMessage != "" {
		req.FailureMessage = upd.FailureMessage
	}
	req.UpdatedAt = time.Now()
	r.s.st.requests[id] = req
	return nil
}

func (r *Refunds) InsertPosting(ctx context.Context, p *refund.Posting) (int64, error) {
	defer r.s.guard(ctx)()
	stored := *p
	stored.ID = r.s.st.nextID()
	r.s.st.postings[stored.ID] = stored
	return stored.ID, nil
}

func (r *Refunds) PostingsByOrder(ctx context.Context, orderID int64) ([]refund.Posting, error) {
	defer r.s.guard(ctx)()
	var out []refund.Posting
	for _, p := range r.s.st.postings {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b refund.Posting) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *Refunds) InsertReturn(ctx context.Context, ret *refund.Return) (int64, error) {
	defer r.s.guard(ctx)()
	stored := *ret
	stored.ID = r.s.st.nextID()
	stored.Items, stored.Notes = nil, nil
	r.s.st.returns[stored.ID] = stored
	return stored.ID, nil
}

func (r *Refunds) InsertReturnItem(ctx context.Context, it *refund.ReturnItem) (int64, error) {
	defer r.s.guard(ctx)()
	stored := *it
	stored.ID = r.s.st.nextID()
	r.s.st.returnItems[stored.ID] = stored
	return stored.ID, nil
}

func (r *Refunds) GetReturn(ctx context.Context, id int64) (*refund.Return, error) {
	defer r.s.guard(ctx)()
	ret, ok := r.s.st.returns[id]
	if !ok {
		return nil, refund.ErrReturnNotFound
	}
	return &ret, nil
}

func (r *Refunds) LockReturn(ctx context.Context, id int64) (*refund.Return, error) {
	return r.GetReturn(ctx, id)
}

func (r *Refunds) ReturnItems(ctx context.Context, returnID int64) ([]refund.ReturnItem, error) {
	defer r.s.guard(ctx)()
	var out []refund.ReturnItem
	for _, it := range r.s.st.returnItems {
		if it.ReturnID == returnID {
			out = append(out, it)
		}
	}
	slices.SortFunc(out, func(a, b refund.ReturnItem) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *Refunds) ListReturnsByOrder(ctx context.Context, orderID int64) ([]refund.Return, error) {
	defer r.s.guard(ctx)()
	var out []refund.Return
	for _, ret := range r.s.st.returns {
		if ret.OrderID == orderID {
			out = append(out, ret)
		}
	}
	slices.SortFunc(out, func(a, b refund.Return) int { return cmp.Compare(b.ID, a.ID) })
	return out, nil
}

func (r *Refunds) HasOpenReturn(ctx context.Context, orderID int64) (bool, error) {
	defer r.s.guard(ctx)()
	for _, ret := range r.s.st.returns {
		if ret.OrderID == orderID && !ret.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (r *Refunds) UpdateReturnStatus(ctx context.Context, id int64, status refund.Status) error {
	defer r.s.guard(ctx)()
	ret, ok := r.s.st.returns[id]
	if !ok {
		return refund.ErrReturnNotFound
	}
	ret.Status = status
	ret.UpdatedAt = time.Now()
	r.s.st.returns[id] = ret
	return nil
}

func (r *Refunds) InsertNote(ctx context.Context, n *refund.Note) (int64, error) {
	defer r.s.guard(ctx)()
	if _, ok := r.s.st.returns[n.ReturnID]; !ok {
		return 0, refund.ErrReturnNotFound
	}
	stored := *n
	stored.ID = r.s.st.nextID()
	r.s.st.notes[stored.ID] = stored
	return stored.ID, nil
}

func (r *Refunds) Notes(ctx context.Context, returnID int64) ([]refund.Note, error) {
	defer r.s.guard(ctx)()
	var out []refund.Note
	for _, n := range r.s.st.notes {
		if n.ReturnID == returnID {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, func(a, b refund.Note) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}
