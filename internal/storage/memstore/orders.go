package memstore

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/pkg/money"
)

var _ order.Repository = (*Orders)(nil)

// Orders is the order view of a Store.
type Orders struct{ s *Store }

// Orders returns the order repository.
func (s *Store) Orders() *Orders { return &Orders{s} }

// AddOrder stores an order as-is, for tests that start from an existing
// purchase.
func (s *Store) AddOrder(o order.Order, items ...order.Item) order.WithItems {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == 0 {
		o.ID = s.st.nextID()
	}
	s.st.orders[o.ID] = o
	for i := range items {
		items[i].OrderID = o.ID
		if items[i].ID == 0 {
			items[i].ID = s.st.nextID()
		}
		s.st.items[items[i].ID] = items[i]
	}
	return order.WithItems{Order: o, Items: items}
}

// Order returns a stored order by id.
func (s *Store) Order(id int64) (order.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	return o, ok
}

// OrderCount returns the number of stored orders.
func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.orders)
}

func (r *Orders) Insert(ctx context.Context, o *order.Order) (int64, error) {
	defer r.s.guard(ctx)()
	stored := *o
	stored.ID = r.s.st.nextID()
	r.s.st.orders[stored.ID] = stored
	return stored.ID, nil
}

func (r *Orders) InsertItem(ctx context.Context, it *order.Item) (int64, error) {
	defer r.s.guard(ctx)()
	if _, ok := r.s.st.orders[it.OrderID]; !ok {
		return 0, order.ErrNotFound
	}
	stored := *it
	stored.ID = r.s.st.nextID()
	r.s.st.items[stored.ID] = stored
	return stored.ID, nil
}

func (r *Orders) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	defer r.s.guard(ctx)()
	o, ok := r.s.st.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

func (r *Orders) LockByID(ctx context.Context, id int64) (*order.Order, error) {
	return r.GetByID(ctx, id)
}

func (r *Orders) ListByUser(ctx context.Context, userID int64) ([]order.Order, error) {
	defer r.s.guard(ctx)()
	var out []order.Order
	for _, o := range r.s.st.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b order.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (r *Orders) ItemsByOrderIDs(ctx context.Context, ids []int64) ([]order.Item, error) {
	defer r.s.guard(ctx)()
	var out []order.Item
	for _, it := range r.s.st.items {
		if slices.Contains(ids, it.OrderID) {
			out = append(out, it)
		}
	}
	slices.SortFunc(out, func(a, b order.Item) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *Orders) update(ctx context.Context, id int64, fn func(o *order.Order)) error {
	defer r.s.guard(ctx)()
	o, ok := r.s.st.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	fn(&o)
	o.UpdatedAt = time.Now()
	r.s.st.orders[id] = o
	return nil
}

func (r *Orders) UpdateDelivery(ctx context.Context, id int64, upd order.DeliveryUpdate, total money.Money) error {
	return r.update(ctx, id, func(o *order.Order) {
		o.ShippingAddress = upd.ShippingAddress
		o.DeliveryMethod = upd.DeliveryMethod
		o.ShippingAmount = upd.ShippingAmount
		o.TotalAmount = total
	})
}

func (r *Orders) UpdateStatus(ctx context.Context, id int64, status order.Status) error {
	return r.update(ctx, id, func(o *order.Order) { o.Status = status })
}

func (r *Orders) UpdatePayment(ctx context.Context, id int64, status order.PaymentStatus, captureID string) error {
	return r.update(ctx, id, func(o *order.Order) {
		o.PaymentStatus = status
		o.CaptureID = captureID
	})
}

func (r *Orders) AddRefunded(ctx context.Context, id int64, amount money.Money) (money.Money, error) {
	var refunded money.Money
	err := r.update(ctx, id, func(o *order.Order) {
		o.RefundedAmount = o.RefundedAmount.Add(amount)
		refunded = o.RefundedAmount
	})
	return refunded, err
}

func (r *Orders) SalesSummary(ctx context.Context, since time.Time) (order.Summary, error) {
	defer r.s.guard(ctx)()
	var sum order.Summary
	for _, o := range r.s.st.orders {
		if o.CreatedAt.Before(since) || o.Status == order.StatusCancelled {
			continue
		}
		sum.Orders++
		sum.Revenue = sum.Revenue.Add(o.TotalAmount)
		sum.Refunded = sum.Refunded.Add(o.RefundedAmount)
	}
	return sum, nil
}

func (r *Orders) StatusCounts(ctx context.Context) (map[order.Status]int, error) {
	defer r.s.guard(ctx)()
	out := make(map[order.Status]int)
	for _, o := range r.s.st.orders {
		out[order.Canonical(string(o.Status))]++
	}
	return out, nil
}

func (r *Orders) Bestsellers(ctx context.Context, limit int) ([]order.Bestseller, error) {
	defer r.s.guard(ctx)()
	byProduct := make(map[int64]*order.Bestseller)
	for _, it := range r.s.st.items {
		if o := r.s.st.orders[it.OrderID]; o.Status == order.StatusCancelled {
			continue
		}
		b, ok := byProduct[it.ProductID]
		if !ok {
			b = &order.Bestseller{ProductID: it.ProductID, ProductName: it.ProductName}
			byProduct[it.ProductID] = b
		}
		b.Units += it.Quantity
		b.Revenue = b.Revenue.Add(it.TotalPrice)
	}
	out := make([]order.Bestseller, 0, len(byProduct))
	for _, b := range byProduct {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b order.Bestseller) int {
		if c := cmp.Compare(b.Units, a.Units); c != 0 {
			return c
		}
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
