package gateway

import (
	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/internal/domain/refund"
)

// Registry maps payment methods to their refund clients.
type Registry struct {
	clients map[order.PaymentMethod]refund.Gateway
}

var _ refund.Gateways = (*Registry)(nil)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: map[order.PaymentMethod]refund.Gateway{}}
}

// Register binds a client to a payment method.
func (r *Registry) Register(method order.PaymentMethod, gw refund.Gateway) {
	r.clients[method] = gw
}

// For implements refund.Gateways.
func (r *Registry) For(method order.PaymentMethod) (refund.Gateway, bool) {
	gw, ok := r.clients[method]
	return gw, ok
}

// Methods returns the registered payment methods.
func (r *Registry) Methods() []order.PaymentMethod {
	out := make([]order.PaymentMethod, 0, len(r.clients))
	for m := range r.clients {
		out = append(out, m)
	}
	return out
}
