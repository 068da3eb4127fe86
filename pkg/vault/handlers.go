package vault

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hashplane/hashplane/pkg/authz"
	"github.com/hashplane/hashplane/pkg/fleet"
)

// GetCredentialHandler returns the role-aware credential view.
// GET /miners/{minerId}/credential
func GetCredentialHandler(v *Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := authz.IdentityFromContext(r.Context())
		view, err := v.Get(r.Context(), id, chi.URLParam(r, "minerId"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// StoreCredentialHandler updates a miner's credential.
// POST /miners/{minerId}/credential
func StoreCredentialHandler(v *Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
			return
		}
		id, _ := authz.IdentityFromContext(r.Context())
		view, err := v.Store(r.Context(), id, chi.URLParam(r, "minerId"), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type revealBody struct {
	Reason string `json:"reason"`
}

// RevealCredentialHandler discloses a credential's plaintext to an admin.
// POST /miners/{minerId}/reveal
func RevealCredentialHandler(v *Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body revealBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
			return
		}
		id, _ := authz.IdentityFromContext(r.Context())
		res, err := v.Reveal(r.Context(), id, chi.URLParam(r, "minerId"), body.Reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type batchMigrateBody struct {
	TargetMode int `json:"target_mode"`
}

// BatchMigrateHandler re-protects a site's credentials under a new mode.
// POST /sites/{siteId}/batch-migrate
func BatchMigrateHandler(v *Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body batchMigrateBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
			return
		}
		id, _ := authz.IdentityFromContext(r.Context())
		report, err := v.BatchMigrateSite(r.Context(), id, chi.URLParam(r, "siteId"), body.TargetMode)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

type deviceCredentialBody struct {
	MinerID string `json:"miner_id"`
	Blob    string `json:"blob"`
	Counter int64  `json:"counter"`
}

// DeviceCredentialHandler accepts a device-encrypted credential blob from
// an authenticated edge device. Mounted on the edge surface behind the
// device auth middleware.
// POST /edge/credential
func DeviceCredentialHandler(v *Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device, ok := fleet.DeviceFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, CodeAccessDenied, "device authentication required")
			return
		}
		var body deviceCredentialBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
			return
		}
		if body.MinerID == "" {
			writeError(w, http.StatusBadRequest, CodeValidation, "miner_id is required")
			return
		}
		view, err := v.StoreFromDevice(r.Context(), device, body.MinerID, StoreRequest{
			Value:   body.Blob,
			Counter: body.Counter,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// Router creates a chi router with the credential routes. The identity
// middleware is applied by the server when the router is mounted.
func Router(v *Vault) chi.Router {
	r := chi.NewRouter()
	r.Get("/miners/{minerId}/credential", GetCredentialHandler(v))
	r.Post("/miners/{minerId}/credential", StoreCredentialHandler(v))
	r.Post("/miners/{minerId}/reveal", RevealCredentialHandler(v))
	r.Post("/sites/{siteId}/batch-migrate", BatchMigrateHandler(v))
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeServiceError(w http.ResponseWriter, err error) {
	e := AsError(err)
	writeError(w, e.Status, e.Code, e.Message)
}
