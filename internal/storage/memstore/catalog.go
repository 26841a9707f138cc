package memstore

import (
	"context"
	"strings"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/discount"
	"github.com/xenking/shop-ledger/internal/domain/inventory"
	"github.com/xenking/shop-ledger/internal/domain/product"
)

var (
	_ product.Repository   = (*Products)(nil)
	_ inventory.Repository = (*Stock)(nil)
	_ discount.Repository  = (*Coupons)(nil)
)

// Products is the catalog view of a Store.
type Products struct{ s *Store }

// Products returns the catalog repository.
func (s *Store) Products() *Products { return &Products{s} }

// Stock is the variant stock view of a Store.
type Stock struct{ s *Store }

// Stock returns the stock repository.
func (s *Store) Stock() *Stock { return &Stock{s} }

// Coupons is the coupon view of a Store.
type Coupons struct{ s *Store }

// Coupons returns the coupon repository.
func (s *Store) Coupons() *Coupons { return &Coupons{s} }

// AddProduct stores a product and returns it with its id.
func (s *Store) AddProduct(p product.Product) product.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.st.nextID()
	}
	s.st.products[p.ID] = p
	return p
}

// AddVariant stores a variant and adds its quantity to the product stock.
func (s *Store) AddVariant(v inventory.Variant) inventory.Variant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == 0 {
		v.ID = s.st.nextID()
	}
	s.st.variants[v.ID] = v
	s.st.productStock[v.ProductID] += v.Quantity
	return v
}

// VariantQuantity returns the stock of a variant.
func (s *Store) VariantQuantity(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.variants[id].Quantity
}

// ProductStock returns the aggregate stock counter of a product.
func (s *Store) ProductStock(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.productStock[id]
}

func (r *Products) GetByID(ctx context.Context, id int64) (*product.Product, error) {
	defer r.s.guard(ctx)()
	p, ok := r.s.st.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

func (r *Products) GetByIDs(ctx context.Context, ids []int64) ([]product.Product, error) {
	defer r.s.guard(ctx)()
	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.s.st.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *Stock) LockVariant(ctx context.Context, id int64) (*inventory.Variant, error) {
	defer r.s.guard(ctx)()
	v, ok := r.s.st.variants[id]
	if !ok {
		return nil, inventory.ErrVariantNotFound
	}
	return &v, nil
}

func (r *Stock) FirstAvailableVariant(ctx context.Context, productID int64, minQty int) (*inventory.Variant, error) {
	defer r.s.guard(ctx)()
	var best *inventory.Variant
	for _, v := range r.s.st.variants {
		if v.ProductID != productID || v.Quantity < minQty {
			continue
		}
		if best == nil || v.ID < best.ID {
			c := v
			best = &c
		}
	}
	if best == nil {
		return nil, inventory.ErrVariantNotFound
	}
	return best, nil
}

func (r *Stock) SetVariantQuantity(ctx context.Context, id int64, qty int) error {
	defer r.s.guard(ctx)()
	v, ok := r.s.st.variants[id]
	if !ok {
		return inventory.ErrVariantNotFound
	}
	if qty < 0 {
		return apperr.Conflict("variant %d quantity would be negative", id)
	}
	v.Quantity = qty
	r.s.st.variants[id] = v
	return nil
}

func (r *Stock) IncrementVariant(ctx context.Context, id int64, qty int) error {
	defer r.s.guard(ctx)()
	v, ok := r.s.st.variants[id]
	if !ok {
		return inventory.ErrVariantNotFound
	}
	v.Quantity += qty
	r.s.st.variants[id] = v
	return nil
}

func (r *Stock) AdjustProductStock(ctx context.Context, productID int64, delta int) error {
	defer r.s.guard(ctx)()
	r.s.st.productStock[productID] += delta
	return nil
}

// AddCoupon stores a coupon and returns it with its id.
func (s *Store) AddCoupon(c discount.Coupon) discount.Coupon {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.st.nextID()
	}
	s.st.coupons[c.ID] = c
	return c
}

// Coupon returns a stored coupon by id.
func (s *Store) Coupon(id int64) (discount.Coupon, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.st.coupons[id]
	return c, ok
}

// Usages returns the recorded coupon usages.
func (s *Store) Usages() []discount.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]discount.Usage(nil), s.st.usages...)
}

func (r *Coupons) FindByCode(ctx context.Context, code string) (*discount.Coupon, error) {
	defer r.s.guard(ctx)()
	for _, c := range r.s.st.coupons {
		if strings.EqualFold(c.Code, strings.TrimSpace(code)) {
			return &c, nil
		}
	}
	return nil, discount.ErrCouponNotFound
}

func (r *Coupons) CountUserUsages(ctx context.Context, couponID, userID int64) (int, error) {
	defer r.s.guard(ctx)()
	n := 0
	for _, u := range r.s.st.usages {
		if u.CouponID == couponID && u.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (r *Coupons) LockByID(ctx context.Context, id int64) (*discount.Coupon, error) {
	defer r.s.guard(ctx)()
	c, ok := r.s.st.coupons[id]
	if !ok {
		return nil, discount.ErrCouponNotFound
	}
	return &c, nil
}

func (r *Coupons) InsertUsage(ctx context.Context, u discount.Usage) error {
	defer r.s.guard(ctx)()
	for _, e := range r.s.st.usages {
		if e.CouponID == u.CouponID && e.OrderID == u.OrderID {
			return discount.ErrUsageExists
		}
	}
	r.s.st.usages = append(r.s.st.usages, u)
	return nil
}

func (r *Coupons) IncrementUsage(ctx context.Context, id int64) error {
	defer r.s.guard(ctx)()
	c, ok := r.s.st.coupons[id]
	if !ok {
		return discount.ErrCouponNotFound
	}
	c.UsageCount++
	r.s.st.coupons[id] = c
	return nil
}

func (r *Coupons) Create(ctx context.Context, c *discount.Coupon) (int64, error) {
	defer r.s.guard(ctx)()
	for _, e := range r.s.st.coupons {
		if strings.EqualFold(e.Code, c.Code) {
			return 0, apperr.Conflict("coupon %s already exists", c.Code)
		}
	}
	stored := *c
	stored.ID = r.s.st.nextID()
	r.s.st.coupons[stored.ID] = stored
	return stored.ID, nil
}
