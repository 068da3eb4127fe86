package command

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hashplane/hashplane/pkg/authz"
	"github.com/hashplane/hashplane/pkg/filter"
)

// listFilterSchema is the filterQuery allowlist for command listings.
var listFilterSchema = filter.Schema{
	"status":           {Column: "status", Type: filter.FieldString},
	"type":             {Column: "command_type", Type: filter.FieldString},
	"site_id":          {Column: "site_id", Type: filter.FieldString},
	"zone_id":          {Column: "zone_id", Type: filter.FieldString},
	"risk_tier":        {Column: "risk_tier", Type: filter.FieldString},
	"requested_by":     {Column: "requested_by", Type: filter.FieldString},
	"approved_by":      {Column: "approved_by", Type: filter.FieldString},
	"rollback_of":      {Column: "rollback_of", Type: filter.FieldString},
	"require_approval": {Column: "require_approval", Type: filter.FieldBool},
	"retry_count":      {Column: "retry_count", Type: filter.FieldNumber},
	"created_at":       {Column: "created_at", Type: filter.FieldTime},
	"expires_at":       {Column: "expires_at", Type: filter.FieldTime},
	"terminal_at":      {Column: "terminal_at", Type: filter.FieldTime},
}

type proposeBody struct {
	SiteID      string         `json:"site_id"`
	ZoneID      string         `json:"zone_id"`
	CommandType string         `json:"command_type"`
	Payload     map[string]any `json:"payload"`
	TargetIDs   []string       `json:"target_ids"`
	TTLSeconds  int            `json:"ttl_seconds"`
	DedupeKey   string         `json:"dedupe_key"`
}

// CreateCommandHandler proposes a new command.
// POST /v1/commands
func CreateCommandHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body proposeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
			return
		}
		id, _ := authz.IdentityFromContext(r.Context())

		res, err := svc.Propose(r.Context(), id, ProposeRequest{
			SiteID:      body.SiteID,
			ZoneID:      body.ZoneID,
			CommandType: Type(body.CommandType),
			Payload:     body.Payload,
			TargetIDs:   body.TargetIDs,
			TTLSeconds:  body.TTLSeconds,
			DedupeKey:   body.DedupeKey,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		status := http.StatusCreated
		if !res.Created {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{
			"command_id":            res.Command.ID,
			"status":                res.Command.Status,
			"risk_tier":             res.Command.RiskTier,
			"require_approval":      res.Command.RequireApproval,
			"require_dual_approval": res.Command.RequireDualApproval,
			"steps_required":        res.Command.StepsRequired,
			"expires_at":            res.Command.ExpiresAt,
			"created":               res.Created,
		})
	}
}

// GetCommandHandler returns one command with its targets and approvals.
// GET /v1/commands/{commandId}
func GetCommandHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		commandID := chi.URLParam(r, "commandId")
		id, _ := authz.IdentityFromContext(r.Context())

		cmd, err := store.Get(commandID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if cmd == nil || !visibleTo(id, cmd) {
			writeError(w, http.StatusNotFound, CodeNotFound, "command not found")
			return
		}
		targets, err := store.Targets(commandID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		approvals, err := store.Approvals(commandID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAPICommand(cmd, targets, approvals))
	}
}

// ListCommandsHandler returns a filtered page of commands.
// GET /v1/commands?site_id=&status=&filterQuery=&pageSize=&pageToken=
func ListCommandsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := authz.IdentityFromContext(r.Context())
		p := filter.ParsePagination(r)

		pred, err := filter.Compile(r.URL.Query().Get("filterQuery"), listFilterSchema)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
			return
		}

		f := ListFilter{
			SiteID: r.URL.Query().Get("site_id"),
			Status: Status(r.URL.Query().Get("status")),
		}
		// Customers only see their own tenant's commands.
		if !id.Role.AtLeast(authz.RoleOperator) {
			f.TenantID = id.TenantID
		}

		commands, nextToken, total, err := store.List(f, pred, p.PageSize, p.PageToken)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		out := APICommandList{
			Commands:      make([]APICommand, len(commands)),
			NextPageToken: nextToken,
			TotalSize:     total,
		}
		for i := range commands {
			out.Commands[i] = toAPICommand(&commands[i], nil, nil)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type decisionBody struct {
	Reason string `json:"reason"`
	Step   int    `json:"step"`
}

// ApproveCommandHandler records one approval step.
// POST /v1/commands/{commandId}/approve
func ApproveCommandHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		commandID := chi.URLParam(r, "commandId")
		id, _ := authz.IdentityFromContext(r.Context())

		var body decisionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
			return
		}
		res, err := svc.Approve(r.Context(), id, commandID, body.Reason, body.Step)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// DenyCommandHandler denies and cancels a command.
// POST /v1/commands/{commandId}/deny
func DenyCommandHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		commandID := chi.URLParam(r, "commandId")
		id, _ := authz.IdentityFromContext(r.Context())

		var body decisionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
			return
		}
		res, err := svc.Deny(r.Context(), id, commandID, body.Reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// CancelCommandHandler withdraws a non-terminal command.
// POST /v1/commands/{commandId}/cancel
func CancelCommandHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		commandID := chi.URLParam(r, "commandId")
		id, _ := authz.IdentityFromContext(r.Context())

		var body decisionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
			return
		}
		cmd, err := svc.Cancel(r.Context(), id, commandID, body.Reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"command_id":  cmd.ID,
			"status":      cmd.Status,
			"terminal_at": cmd.TerminalAt,
		})
	}
}

// ListApprovalsHandler returns the approval trail for one command.
// GET /v1/commands/{commandId}/approvals
func ListApprovalsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		commandID := chi.URLParam(r, "commandId")
		id, _ := authz.IdentityFromContext(r.Context())

		cmd, err := store.Get(commandID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if cmd == nil || !visibleTo(id, cmd) {
			writeError(w, http.StatusNotFound, CodeNotFound, "command not found")
			return
		}
		approvals, err := store.Approvals(commandID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		out := make([]APIApproval, 0, len(approvals))
		for _, a := range approvals {
			out = append(out, APIApproval{
				ApproverID: a.ApproverID,
				Step:       a.Step,
				Verdict:    a.Verdict,
				Reason:     a.Reason,
				CreatedAt:  a.CreatedAt.Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"command_id":     commandID,
			"steps_required": cmd.StepsRequired,
			"approvals":      out,
		})
	}
}

// RollbackCommandHandler creates the undo command for a completed one.
// POST /v1/commands/{commandId}/rollback
func RollbackCommandHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		commandID := chi.URLParam(r, "commandId")
		id, _ := authz.IdentityFromContext(r.Context())

		var body decisionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
			return
		}
		cmd, err := svc.Rollback(r.Context(), id, commandID, body.Reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"command_id":     cmd.ID,
			"status":         cmd.Status,
			"rollback_of":    cmd.RollbackOf,
			"risk_tier":      cmd.RiskTier,
			"steps_required": cmd.StepsRequired,
		})
	}
}

func visibleTo(id authz.Identity, cmd *Command) bool {
	if id.Role.AtLeast(authz.RoleOperator) {
		return true
	}
	return cmd.TenantID == id.TenantID
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
