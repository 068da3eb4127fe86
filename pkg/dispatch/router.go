package dispatch

import (
	"github.com/go-chi/chi/v5"

	"github.com/hashplane/hashplane/pkg/command"
	"github.com/hashplane/hashplane/pkg/vault"
)

// Router creates a chi router with the device-facing edge routes. Device
// authentication and rate limiting are applied by the server when the
// router is mounted.
func Router(d *Dispatcher, p *AckProcessor, store *command.Store, v *vault.Vault) chi.Router {
	r := chi.NewRouter()
	r.Get("/commands/poll", PollHandler(d, store, v))
	r.Post("/commands/{commandId}/ack", AckHandler(p))
	return r
}
