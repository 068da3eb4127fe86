package authz

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// RequireRole returns middleware that rejects requests whose identity does
// not carry at least the given role. Ownership-level checks (which miners a
// customer may target) live in the services; this guard is the coarse gate.
func RequireRole(min Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok || !id.Role.AtLeast(min) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "access_denied",
					"message": fmt.Sprintf("requires role %s or above", min),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
