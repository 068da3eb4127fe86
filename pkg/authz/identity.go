package authz

import (
	"context"
	"net/http"
	"strings"
)

// identityCtxKey is an unexported type used as the context key for Identity.
type identityCtxKey struct{}

// Identity represents the authenticated user making a request.
type Identity struct {
	Subject  string
	Role     Role
	TenantID string
}

// WithIdentity returns a new context with the given Identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext retrieves the Identity from the context.
// Returns the zero value and false if no identity is set.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}

// IdentityExtractor resolves the caller's identity from a request. The bool
// is false when the request carries no usable credentials.
type IdentityExtractor func(r *http.Request) (Identity, bool)

// IdentityMiddleware returns HTTP middleware that resolves the request
// identity and stores it in the context. When a JWT extractor is configured
// it runs first; the X-Remote-User / X-Remote-Role / X-Remote-Tenant headers
// are the trusted-proxy fallback. With neither, the caller is an anonymous
// viewer.
func IdentityMiddleware(jwtExtractor IdentityExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := Identity{}, false
			if jwtExtractor != nil {
				id, ok = jwtExtractor(r)
			}
			if !ok {
				id, ok = identityFromHeaders(r)
			}
			if !ok {
				id = Identity{Subject: "anonymous", Role: RoleViewer}
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func identityFromHeaders(r *http.Request) (Identity, bool) {
	user := strings.TrimSpace(r.Header.Get("X-Remote-User"))
	if user == "" {
		return Identity{}, false
	}
	return Identity{
		Subject:  user,
		Role:     ParseRole(strings.TrimSpace(r.Header.Get("X-Remote-Role"))),
		TenantID: strings.TrimSpace(r.Header.Get("X-Remote-Tenant")),
	}, true
}
