package memstore

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/xenking/shop-ledger/internal/domain/loyalty"
)

var _ loyalty.Repository = (*Loyalty)(nil)

// Loyalty is the points view of a Store.
type Loyalty struct{ s *Store }

// Loyalty returns the loyalty repository.
func (s *Store) Loyalty() *Loyalty { return &Loyalty{s} }

// AddUser creates a user at zero and posts balance as an opening adjustment,
// so the cached balance matches the log. Calling it again for an existing
// user posts the difference.
func (s *Store) AddUser(userID, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.st.balances[userID]
	s.st.balances[userID] = balance
	if balance == current {
		return
	}
	s.st.transactions = append(s.st.transactions, loyalty.Transaction{
		ID:        s.st.nextID(),
		UserID:    userID,
		Points:    balance - current,
		Kind:      loyalty.KindAdjust,
		Reason:    loyalty.ReasonOpeningBalance,
		CreatedAt: time.Now(),
	})
}

// OverwriteBalance replaces the cached balance without a log entry.
func (s *Store) OverwriteBalance(userID, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.balances[userID] = balance
}

// Transactions returns a user's ledger entries in insertion order.
func (s *Store) Transactions(userID int64) []loyalty.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []loyalty.Transaction
	for _, t := range s.st.transactions {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

func (r *Loyalty) LockBalance(ctx context.Context, userID int64) (int64, error) {
	return r.Balance(ctx, userID)
}

func (r *Loyalty) Balance(ctx context.Context, userID int64) (int64, error) {
	defer r.s.guard(ctx)()
	b, ok := r.s.st.balances[userID]
	if !ok {
		return 0, loyalty.ErrUserNotFound
	}
	return b, nil
}

func (r *Loyalty) SetBalance(ctx context.Context, userID, balance int64) error {
	defer r.s.guard(ctx)()
	if _, ok := r.s.st.balances[userID]; !ok {
		return loyalty.ErrUserNotFound
	}
	r.s.st.balances[userID] = balance
	return nil
}

func (r *Loyalty) HasTransaction(ctx context.Context, userID int64, orderID *int64, reason string) (bool, error) {
	defer r.s.guard(ctx)()
	for _, t := range r.s.st.transactions {
		if t.UserID == userID && t.Reason == reason && sameOrder(t.OrderID, orderID) {
			return true, nil
		}
	}
	return false, nil
}

func sameOrder(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (r *Loyalty) InsertTransaction(ctx context.Context, t *loyalty.Transaction) (int64, error) {
	defer r.s.guard(ctx)()
	stored := *t
	stored.ID = r.s.st.nextID()
	r.s.st.transactions = append(r.s.st.transactions, stored)
	return stored.ID, nil
}

func (r *Loyalty) SumForOrder(ctx context.Context, userID, orderID int64, kind loyalty.Kind) (int64, error) {
	defer r.s.guard(ctx)()
	var sum int64
	for _, t := range r.s.st.transactions {
		if t.UserID == userID && t.Kind == kind && t.OrderID != nil && *t.OrderID == orderID {
			sum += t.Points
		}
	}
	return sum, nil
}

func (r *Loyalty) SumTransactions(ctx context.Context, userID int64) (int64, error) {
	defer r.s.guard(ctx)()
	var sum int64
	for _, t := range r.s.st.transactions {
		if t.UserID == userID {
			sum += t.Points
		}
	}
	return sum, nil
}

func (r *Loyalty) ListTransactions(ctx context.Context, userID int64, limit int) ([]loyalty.Transaction, error) {
	defer r.s.guard(ctx)()
	var out []loyalty.Transaction
	for _, t := range r.s.st.transactions {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b loyalty.Transaction) int { return cmp.Compare(b.ID, a.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
