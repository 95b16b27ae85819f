package custody

import (
	"context"
	"net/http"
)

// RoleBrandOwner is the role required to create and finalize batches. Role
// assignment itself belongs to the external identity provider; the engine
// only consumes the resolved role.
const RoleBrandOwner = "brand_owner"

// Identity is the authenticated caller, as resolved by the identity provider
// in front of this service.
type Identity struct {
	UserID string
	Role   string
}

type identityContextKey struct{}

// WithIdentity returns a context carrying the caller identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the caller identity from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// IdentityMiddleware resolves the caller identity from the trusted gateway
// headers and rejects requests without one.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-Id")
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing X-User-Id header")
			return
		}
		id := Identity{
			UserID: userID,
			Role:   r.Header.Get("X-User-Role"),
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
