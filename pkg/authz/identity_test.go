package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityContextRoundtrip(t *testing.T) {
	id := Identity{Subject: "olga-op", Role: RoleOperator, TenantID: "acme"}
	ctx := WithIdentity(context.Background(), id)

	got, ok := IdentityFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = IdentityFromContext(context.Background())
	assert.False(t, ok)
}

func runIdentityMiddleware(extractor IdentityExtractor, mutate func(*http.Request)) Identity {
	var got Identity
	handler := IdentityMiddleware(extractor)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if mutate != nil {
		mutate(req)
	}
	handler.ServeHTTP(httptest.NewRecorder(), req)
	return got
}

func TestIdentityMiddlewareHeaders(t *testing.T) {
	got := runIdentityMiddleware(nil, func(r *http.Request) {
		r.Header.Set("X-Remote-User", "olga-op")
		r.Header.Set("X-Remote-Role", "operator")
		r.Header.Set("X-Remote-Tenant", "acme")
	})
	assert.Equal(t, Identity{Subject: "olga-op", Role: RoleOperator, TenantID: "acme"}, got)
}

func TestIdentityMiddlewareAnonymous(t *testing.T) {
	got := runIdentityMiddleware(nil, nil)
	assert.Equal(t, Identity{Subject: "anonymous", Role: RoleViewer}, got)
}

func TestIdentityMiddlewareUnknownRoleHeader(t *testing.T) {
	got := runIdentityMiddleware(nil, func(r *http.Request) {
		r.Header.Set("X-Remote-User", "eve")
		r.Header.Set("X-Remote-Role", "superuser")
	})
	assert.Equal(t, RoleViewer, got.Role)
}

func TestIdentityMiddlewareJWTTakesPrecedence(t *testing.T) {
	extractor := func(r *http.Request) (Identity, bool) {
		if r.Header.Get("Authorization") == "" {
			return Identity{}, false
		}
		return Identity{Subject: "jwt-user", Role: RoleAdmin}, true
	}

	got := runIdentityMiddleware(extractor, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer sometoken")
		r.Header.Set("X-Remote-User", "header-user")
	})
	assert.Equal(t, "jwt-user", got.Subject)

	// Without a token the header fallback applies.
	got = runIdentityMiddleware(extractor, func(r *http.Request) {
		r.Header.Set("X-Remote-User", "header-user")
		r.Header.Set("X-Remote-Role", "customer")
	})
	assert.Equal(t, "header-user", got.Subject)
	assert.Equal(t, RoleCustomer, got.Role)
}
