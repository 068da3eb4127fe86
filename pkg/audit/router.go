package audit

import (
	"github.com/go-chi/chi/v5"

	"github.com/hashplane/hashplane/pkg/authz"
)

// Router creates a chi.Router for the audit API. The ledger is readable by
// operators and admins; verify and export are admin-only.
func Router(store *Store, cfg *Config) chi.Router {
	r := chi.NewRouter()

	r.Get("/events", authz.RequireRole(authz.RoleViewer)(ListEventsHandler(store)).ServeHTTP)
	r.Get("/events/{eventId}", authz.RequireRole(authz.RoleViewer)(GetEventHandler(store)).ServeHTTP)
	r.Get("/verify", authz.RequireRole(authz.RoleAdmin)(VerifyHandler(store)).ServeHTTP)
	r.Get("/export", authz.RequireRole(authz.RoleAdmin)(ExportHandler(store, cfg)).ServeHTTP)

	return r
}
