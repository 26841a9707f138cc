// Package memstore is an in-memory implementation of every ledger repository.
// A transaction holds a store-wide lock and rolls the whole state back when
// its function fails, which gives unit tests the all-or-nothing behavior of
// the PostgreSQL store.
package memstore

import (
	"context"
	"maps"
	"sync"

	"github.com/xenking/shop-ledger/internal/domain/auth"
	"github.com/xenking/shop-ledger/internal/domain/discount"
	"github.com/xenking/shop-ledger/internal/domain/inventory"
	"github.com/xenking/shop-ledger/internal/domain/loyalty"
	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/internal/domain/product"
	"github.com/xenking/shop-ledger/internal/domain/refund"
)

type state struct {
	seq int64

	products     map[int64]product.Product
	productStock map[int64]int
	variants     map[int64]inventory.Variant

	coupons map[int64]discount.Coupon
	usages  []discount.Usage

	orders map[int64]order.Order
	items  map[int64]order.Item

	requests     map[int64]refund.Request
	requestItems map[int64]refund.RequestItem
	postings     map[int64]refund.Posting
	returns      map[int64]refund.Return
	returnItems  map[int64]refund.ReturnItem
	notes        map[int64]refund.Note

	balances     map[int64]int64
	transactions []loyalty.Transaction

	apiKeys map[string]auth.APIKeyInfo
}

func newState() *state {
	return &state{
		products:     map[int64]product.Product{},
		productStock: map[int64]int{},
		variants:     map[int64]inventory.Variant{},
		coupons:      map[int64]discount.Coupon{},
		orders:       map[int64]order.Order{},
		items:        map[int64]order.Item{},
		requests:     map[int64]refund.Request{},
		requestItems: map[int64]refund.RequestItem{},
		postings:     map[int64]refund.Posting{},
		returns:      map[int64]refund.Return{},
		returnItems:  map[int64]refund.ReturnItem{},
		notes:        map[int64]refund.Note{},
		balances:     map[int64]int64{},
		apiKeys:      map[string]auth.APIKeyInfo{},
	}
}

func (s *state) clone() *state {
	return &state{
		seq:          s.seq,
		products:     maps.Clone(s.products),
		productStock: maps.Clone(s.productStock),
		variants:     maps.Clone(s.variants),
		coupons:      maps.Clone(s.coupons),
		usages:       append([]discount.Usage(nil), s.usages...),
		orders:       maps.Clone(s.orders),
		items:        maps.Clone(s.items),
		requests:     maps.Clone(s.requests),
		requestItems: maps.Clone(s.requestItems),
		postings:     maps.Clone(s.postings),
		returns:      maps.Clone(s.returns),
		returnItems:  maps.Clone(s.returnItems),
		notes:        maps.Clone(s.notes),
		balances:     maps.Clone(s.balances),
		transactions: append([]loyalty.Transaction(nil), s.transactions...),
		apiKeys:      maps.Clone(s.apiKeys),
	}
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

// Store holds all ledger state in memory.
type Store struct {
	mu sync.Mutex
	st *state
}

var _ order.TxRunner = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{st: newState()}
}

type txKey struct{ s *Store }

// WithinTx runs fn holding the store lock. Nested calls join the open
// transaction; the outermost one restores the snapshot if fn fails.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{s}, true)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{s}).(bool)
	return v
}

// guard takes the store lock for calls made outside a transaction.
func (s *Store) guard(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}
