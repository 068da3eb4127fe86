package audit

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hashplane/hashplane/pkg/authz"
	"github.com/hashplane/hashplane/pkg/tenancy"
)

// responseCapture wraps http.ResponseWriter to capture the status code.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Middleware captures mutating operator requests as audit events. Domain
// packages append their own precise events inside their transactions; this
// layer exists so denied and failed requests that never reach a domain
// transaction still leave a trace. Writes here are best-effort.
func Middleware(store *Store, cfg *Config, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg == nil || !cfg.Enabled || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !shouldCapture(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			startTime := time.Now()
			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			statusCode := capture.statusCode
			denied := statusCode == http.StatusForbidden || statusCode == http.StatusUnauthorized
			if denied && !cfg.LogDenied {
				return
			}

			ctx := r.Context()
			actorType := ActorSystem
			actorID := "anonymous"
			if id, ok := authz.IdentityFromContext(ctx); ok {
				actorType = ActorUser
				actorID = id.Subject
			}

			eventType := "api.request"
			if denied {
				eventType = EventAccessDenied
			}

			refType, refID := refFromPath(r.URL.Path)
			store.Observe(&Event{
				ActorType: actorType,
				ActorID:   actorID,
				EventType: eventType,
				RefType:   refType,
				RefID:     refID,
				Payload: JSONAny{
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     statusCode,
					"duration":   time.Since(startTime).String(),
					"tenant_id":  tenancy.TenantIDFromContext(ctx),
					"request_id": middleware.GetReqID(ctx),
				},
			})
		})
	}
}

// shouldCapture reports whether the request belongs in the ledger. Mutating
// methods are captured; reads are not. Edge endpoints are excluded because
// the dispatch service appends exact events (claim, ack, zone denial) in
// its own transactions.
func shouldCapture(method, path string) bool {
	switch path {
	case "/healthz", "/livez", "/readyz":
		return false
	}
	if strings.Contains(path, "/edge/") {
		return false
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// refFromPath pulls the resource type and id out of paths like
// /api/fleet/v1alpha1/commands/{id}/approve.
func refFromPath(path string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, p := range parts {
		switch p {
		case "commands", "miners", "sites", "devices":
			refType := strings.TrimSuffix(p, "s")
			if i+1 < len(parts) {
				return refType, parts[i+1]
			}
			return refType, ""
		}
	}
	return "", ""
}
