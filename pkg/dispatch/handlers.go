package dispatch

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hashplane/hashplane/pkg/command"
	"github.com/hashplane/hashplane/pkg/fleet"
	"github.com/hashplane/hashplane/pkg/vault"
)

// pollCommand is the projection of a claimed command handed to a collector.
type pollCommand struct {
	ID          string                    `json:"id"`
	CommandType command.Type              `json:"command_type"`
	Payload     map[string]any            `json:"payload,omitempty"`
	TargetIDs   []string                  `json:"target_ids"`
	Credentials map[string]vault.Delivery `json:"credentials,omitempty"`
	ExpiresAt   string                    `json:"expires_at"`
	LeaseUntil  string                    `json:"lease_until"`
	RetryCount  int                       `json:"retry_count"`
}

// needsCredentials reports whether executing a command requires the
// targets' stored credentials alongside the payload.
func needsCredentials(c *command.Command) bool {
	if c.CommandType == command.TypeChangePool {
		return true
	}
	return c.CommandType == command.TypeRollback &&
		c.Payload["original_type"] == string(command.TypeChangePool)
}

// PollHandler hands out claimed commands to the authenticated device.
// Pool-change commands carry each target's stored credential, resolved
// per the site's protection mode; a credential that cannot be resolved
// is skipped rather than blocking the claim.
// GET /edge/commands/poll?zone_id=&limit=
func PollHandler(d *Dispatcher, store *command.Store, v *vault.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device, ok := fleet.DeviceFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated device")
			return
		}

		limit := 0
		if q := r.URL.Query().Get("limit"); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, CodeValidation, "limit must be a positive integer")
				return
			}
			limit = n
		}

		claimed, err := d.Poll(r.Context(), device, r.URL.Query().Get("zone_id"), limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		out := make([]pollCommand, 0, len(claimed))
		for i := range claimed {
			c := claimed[i]
			targets, err := store.Targets(c.ID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			ids := make([]string, len(targets))
			for j, t := range targets {
				ids[j] = t.MinerID
			}
			pc := pollCommand{
				ID:          c.ID,
				CommandType: c.CommandType,
				Payload:     map[string]any(c.Payload),
				TargetIDs:   ids,
				ExpiresAt:   c.ExpiresAt.Format(time.RFC3339),
				RetryCount:  c.RetryCount,
			}
			if c.LeaseUntil != nil {
				pc.LeaseUntil = c.LeaseUntil.Format(time.RFC3339)
			}
			if needsCredentials(&c) {
				creds := make(map[string]vault.Delivery, len(ids))
				for _, minerID := range ids {
					del, derr := v.DeliverForDevice(r.Context(), device, minerID)
					if derr != nil {
						d.logger.Warn("credential delivery skipped",
							"command_id", c.ID, "miner_id", minerID, "error", derr)
						continue
					}
					if del != nil {
						creds[minerID] = *del
					}
				}
				if len(creds) > 0 {
					pc.Credentials = creds
				}
			}
			out = append(out, pc)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"commands": out,
			"count":    len(out),
		})
	}
}

// AckHandler ingests one execution report.
// POST /edge/commands/{commandId}/ack
func AckHandler(p *AckProcessor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device, ok := fleet.DeviceFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated device")
			return
		}
		commandID := chi.URLParam(r, "commandId")

		var req AckRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
			return
		}
		if req.Phase != "" && req.Phase != PhaseStarted && req.Phase != PhaseFinished {
			writeError(w, http.StatusBadRequest, CodeValidation, "phase must be started or finished")
			return
		}

		res, err := p.Ack(r.Context(), device, commandID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
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
