package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/shop-ledger/internal/domain/auth"
)

const (
	// APIKeyHeader carries the raw admin API key.
	APIKeyHeader = "api_key"
	// UserIDHeader carries the customer id set by the session layer in front
	// of the ledger.
	UserIDHeader = "X-User-ID"
)

type (
	userKey  struct{}
	adminKey struct{}
)

// customer requires a customer identity.
func (h *Handler) customer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(UserIDHeader), 10, 64)
		if err != nil || id <= 0 {
			writeMessage(w, http.StatusUnauthorized, "missing or invalid "+UserIDHeader)
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, id)
		ctx = zctx.With(ctx, zap.Int64("user_id", id))
		next(w, r.WithContext(ctx))
	}
}

// admin requires an API key with the admin scope.
func (h *Handler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := h.auth.Authenticate(r.Context(), r.Header.Get(APIKeyHeader))
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			writeMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		case err != nil:
			writeError(w, r, err)
			return
		case !info.HasScope(auth.ScopeAdmin):
			writeMessage(w, http.StatusForbidden, "admin scope required")
			return
		}
		ctx := context.WithValue(r.Context(), adminKey{}, info)
		ctx = zctx.With(ctx, zap.String("api_key", info.ID))
		next(w, r.WithContext(ctx))
	}
}

func userFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userKey{}).(int64)
	return id
}

// actorFrom names the admin key for audit notes.
func actorFrom(ctx context.Context) string {
	if info, ok := ctx.Value(adminKey{}).(*auth.APIKeyInfo); ok {
		return info.Name
	}
	return "admin"
}
