package command

import (
	"github.com/go-chi/chi/v5"

	"github.com/hashplane/hashplane/pkg/authz"
)

// Router creates a chi router with the operator-facing command routes.
// Listing is open to viewers; proposing requires a customer or staff
// role; gate decisions require an operator.
func Router(svc *Service) chi.Router {
	r := chi.NewRouter()
	store := svc.Store()

	r.With(authz.RequireRole(authz.RoleViewer)).Get("/", ListCommandsHandler(store))
	r.With(authz.RequireRole(authz.RoleCustomer)).Post("/", CreateCommandHandler(svc))

	r.Route("/{commandId}", func(r chi.Router) {
		r.With(authz.RequireRole(authz.RoleViewer)).Get("/", GetCommandHandler(store))
		r.With(authz.RequireRole(authz.RoleViewer)).Get("/approvals", ListApprovalsHandler(store))
		r.With(authz.RequireRole(authz.RoleOperator)).Post("/approve", ApproveCommandHandler(svc))
		r.With(authz.RequireRole(authz.RoleOperator)).Post("/deny", DenyCommandHandler(svc))
		// Cancel allows the original requester too; the service enforces it.
		r.With(authz.RequireRole(authz.RoleCustomer)).Post("/cancel", CancelCommandHandler(svc))
		r.With(authz.RequireRole(authz.RoleOperator)).Post("/rollback", RollbackCommandHandler(svc))
	})

	return r
}
