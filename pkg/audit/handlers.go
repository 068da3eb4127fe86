package audit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// ListEventsHandler handles GET /events.
// Query params: site_id, event_type, actor_type, actor_id, ref_type, ref_id,
// pageSize, pageToken.
func ListEventsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := ListFilter{
			SiteID:    r.URL.Query().Get("site_id"),
			EventType: r.URL.Query().Get("event_type"),
			ActorType: r.URL.Query().Get("actor_type"),
			ActorID:   r.URL.Query().Get("actor_id"),
			RefType:   r.URL.Query().Get("ref_type"),
			RefID:     r.URL.Query().Get("ref_id"),
		}

		pageSize := 20
		if ps := r.URL.Query().Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}
		pageToken := r.URL.Query().Get("pageToken")

		records, nextToken, total, err := store.List(filter, pageSize, pageToken)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", fmt.Sprintf("failed to list audit events: %v", err))
			return
		}

		events := make([]eventResponse, len(records))
		for i, rec := range records {
			events[i] = recordToResponse(rec)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"events":        events,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// GetEventHandler handles GET /events/{eventId}.
func GetEventHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "eventId")
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "event ID must be an integer")
			return
		}

		record, err := store.GetByID(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", fmt.Sprintf("failed to get audit event: %v", err))
			return
		}
		if record == nil {
			writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("audit event %d not found", id))
			return
		}

		writeJSON(w, http.StatusOK, recordToResponse(*record))
	}
}

// VerifyHandler handles GET /verify.
// Query params: site_id (optional), from_id, to_id.
func VerifyHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		siteID := r.URL.Query().Get("site_id")
		fromID := parseInt64Param(r, "from_id")
		toID := parseInt64Param(r, "to_id")

		result, err := store.Verify(siteID, fromID, toID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", fmt.Sprintf("failed to verify audit chain: %v", err))
			return
		}

		resp := map[string]any{
			"verify_ok":      result.OK,
			"events_checked": result.Checked,
		}
		if !result.OK {
			resp["first_broken_event_id"] = result.FirstBrokenID
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ExportHandler handles GET /export. Streams all events in the requested
// time range as one JSON document, oldest first. Export is the retention
// story for this ledger: events are archived out, never deleted, because
// deletion would break the chain.
func ExportHandler(store *Store, cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var from, to time.Time
		if v := r.URL.Query().Get("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "validation_error", "from must be RFC3339")
				return
			}
			from = t
		}
		if v := r.URL.Query().Get("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "validation_error", "to must be RFC3339")
				return
			}
			to = t
		}

		batch := 500
		if cfg != nil && cfg.ExportBatchSize > 0 {
			batch = cfg.ExportBatchSize
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-export.json"`)
		w.WriteHeader(http.StatusOK)

		_, _ = w.Write([]byte(`{"events":[`))
		enc := json.NewEncoder(w)
		afterID := int64(0)
		count := 0
		for {
			records, err := store.ListRange(from, to, afterID, batch)
			if err != nil || len(records) == 0 {
				break
			}
			for _, rec := range records {
				if count > 0 {
					_, _ = w.Write([]byte(","))
				}
				_ = enc.Encode(recordToResponse(rec))
				count++
			}
			afterID = records[len(records)-1].ID
		}
		_, _ = fmt.Fprintf(w, `],"count":%d}`, count)
	}
}

func parseInt64Param(r *http.Request, name string) int64 {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// eventResponse is the API representation of an audit event.
type eventResponse struct {
	ID        int64          `json:"id"`
	SiteID    string         `json:"site_id,omitempty"`
	ActorType string         `json:"actor_type"`
	ActorID   string         `json:"actor_id,omitempty"`
	EventType string         `json:"event_type"`
	RefType   string         `json:"ref_type,omitempty"`
	RefID     string         `json:"ref_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at"`
	PrevHash  string         `json:"prev_hash"`
	EventHash string         `json:"event_hash"`
}

func recordToResponse(rec Event) eventResponse {
	return eventResponse{
		ID:        rec.ID,
		SiteID:    rec.SiteID,
		ActorType: rec.ActorType,
		ActorID:   rec.ActorID,
		EventType: rec.EventType,
		RefType:   rec.RefType,
		RefID:     rec.RefID,
		Payload:   map[string]any(rec.Payload),
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		PrevHash:  rec.PrevHash,
		EventHash: rec.EventHash,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
