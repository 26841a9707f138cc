package memstore

import (
	"context"

	"github.com/xenking/shop-ledger/internal/domain/auth"
)

var _ auth.Repository = (*APIKeys)(nil)

// APIKeys is the admin key view of a Store.
type APIKeys struct{ s *Store }

// APIKeys returns the API key repository.
func (s *Store) APIKeys() *APIKeys { return &APIKeys{s} }

// AddAPIKey stores an active key.
func (s *Store) AddAPIKey(info auth.APIKeyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.apiKeys[info.KeyHash] = info
}

func (r *APIKeys) FindByHash(ctx context.Context, hash string) (*auth.APIKeyInfo, error) {
	defer r.s.guard(ctx)()
	info, ok := r.s.st.apiKeys[hash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &info, nil
}
