package fleet

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hashplane/hashplane/pkg/audit"
	"github.com/hashplane/hashplane/pkg/authz"
)

// Registrar enrolls edge devices and manages their lifecycle. Enrollment
// is gated by a shared secret rather than an operator identity: devices
// self-register during site bring-up, before any human is in the loop.
type Registrar struct {
	db     *gorm.DB
	store  *Store
	audit  *audit.Store
	cfg    Config
	logger *slog.Logger
}

// NewRegistrar creates a Registrar.
func NewRegistrar(gdb *gorm.DB, store *Store, auditStore *audit.Store, cfg Config, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{db: gdb, store: store, audit: auditStore, cfg: cfg, logger: logger}
}

// RegisterRequest is a device enrollment.
type RegisterRequest struct {
	SiteID       string `json:"site_id"`
	ZoneID       string `json:"zone_id"`
	Name         string `json:"name"`
	EnrollSecret string `json:"enroll_secret"`
}

// Register enrolls a new edge device bound to one (site, zone) pair and
// returns it with its composite bearer token. The token is derivable
// exactly once here; afterwards only its salted hash exists server-side.
func (r *Registrar) Register(ctx context.Context, req RegisterRequest) (*EdgeDevice, string, error) {
	if r.cfg.EnrollSecret == "" {
		return nil, "", errAccessDenied("device registration is disabled")
	}
	if subtle.ConstantTimeCompare([]byte(req.EnrollSecret), []byte(r.cfg.EnrollSecret)) != 1 {
		r.audit.Observe(&audit.Event{
			SiteID:    req.SiteID,
			ActorType: audit.ActorDevice,
			EventType: audit.EventAccessDenied,
			RefType:   "registration",
			RefID:     req.SiteID,
			Payload:   audit.JSONAny{"detail": "invalid enroll secret"},
		})
		return nil, "", errAccessDenied("invalid enroll secret")
	}
	if req.SiteID == "" {
		return nil, "", errValidation("site_id is required")
	}
	if req.ZoneID == "" {
		return nil, "", errValidation("zone_id is required")
	}

	site, err := r.store.GetSite(req.SiteID)
	if err != nil {
		return nil, "", err
	}
	if site == nil {
		return nil, "", errNotFound("site %s not found", req.SiteID)
	}
	zone, err := r.store.GetZone(req.ZoneID)
	if err != nil {
		return nil, "", err
	}
	if zone == nil || zone.SiteID != req.SiteID {
		return nil, "", errNotFound("zone %s not found in site %s", req.ZoneID, req.SiteID)
	}

	secret, salt, hash, err := NewDeviceToken()
	if err != nil {
		return nil, "", err
	}
	device := &EdgeDevice{
		ID:        uuid.New().String(),
		SiteID:    req.SiteID,
		ZoneID:    req.ZoneID,
		Name:      req.Name,
		TokenSalt: salt,
		TokenHash: hash,
	}

	err = r.db.Transaction(func(tx *gorm.DB) error {
		if err := NewStore(tx).CreateDevice(device); err != nil {
			return err
		}
		return r.audit.AppendTx(tx, &audit.Event{
			SiteID:    device.SiteID,
			ActorType: audit.ActorDevice,
			ActorID:   device.ID,
			EventType: audit.EventDeviceRegistered,
			RefType:   "device",
			RefID:     device.ID,
			Payload: audit.JSONAny{
				"zone_id": device.ZoneID,
				"name":    device.Name,
			},
		})
	})
	if err != nil {
		return nil, "", err
	}

	r.logger.Info("edge device registered",
		"device_id", device.ID, "site_id", device.SiteID, "zone_id", device.ZoneID)
	return device, device.ID + "." + secret, nil
}

// Revoke marks a device revoked so its next request fails authentication.
func (r *Registrar) Revoke(ctx context.Context, actor authz.Identity, deviceID string) error {
	device, err := r.store.GetDevice(deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return errNotFound("device %s not found", deviceID)
	}
	err = r.db.Transaction(func(tx *gorm.DB) error {
		if err := NewStore(tx).RevokeDevice(deviceID); err != nil {
			return err
		}
		return r.audit.AppendTx(tx, &audit.Event{
			SiteID:    device.SiteID,
			ActorType: audit.ActorUser,
			ActorID:   actor.Subject,
			EventType: audit.EventDeviceRevoked,
			RefType:   "device",
			RefID:     deviceID,
			Payload:   audit.JSONAny{"zone_id": device.ZoneID},
		})
	})
	if err != nil {
		return err
	}
	r.logger.Info("edge device revoked", "device_id", deviceID, "actor", actor.Subject)
	return nil
}

// RegisterDeviceHandler enrolls a new edge device. Mounted on the edge
// surface without device auth; the enroll secret is the gate.
// POST /edge/register
func RegisterDeviceHandler(reg *Registrar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
			return
		}
		device, token, err := reg.Register(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"device_id":     device.ID,
			"site_id":       device.SiteID,
			"zone_id":       device.ZoneID,
			"token":         token,
			"registered_at": device.RegisteredAt.Format(time.RFC3339),
		})
	}
}

// APIDevice is the operator-facing device representation. Token material
// is never included.
type APIDevice struct {
	ID           string `json:"id"`
	SiteID       string `json:"siteId"`
	ZoneID       string `json:"zoneId"`
	Name         string `json:"name,omitempty"`
	Revoked      bool   `json:"revoked"`
	LastSeenAt   string `json:"lastSeenAt,omitempty"`
	RegisteredAt string `json:"registeredAt"`
}

// ListDevicesHandler returns the registered edge devices.
// GET /devices?site_id=
func ListDevicesHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devices, err := store.ListDevices(r.URL.Query().Get("site_id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		out := make([]APIDevice, 0, len(devices))
		for _, d := range devices {
			ad := APIDevice{
				ID:           d.ID,
				SiteID:       d.SiteID,
				ZoneID:       d.ZoneID,
				Name:         d.Name,
				Revoked:      d.Revoked,
				RegisteredAt: d.RegisteredAt.Format(time.RFC3339),
			}
			if d.LastSeenAt != nil {
				ad.LastSeenAt = d.LastSeenAt.Format(time.RFC3339)
			}
			out = append(out, ad)
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": out})
	}
}

// RevokeDeviceHandler revokes a device's token.
// POST /devices/{deviceId}/revoke
func RevokeDeviceHandler(reg *Registrar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceId")
		id, _ := authz.IdentityFromContext(r.Context())
		if err := reg.Revoke(r.Context(), id, deviceID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "revoked": true})
	}
}

// Router creates a chi router with the operator-facing device routes.
func Router(reg *Registrar) chi.Router {
	r := chi.NewRouter()
	r.With(authz.RequireRole(authz.RoleOperator)).Get("/", ListDevicesHandler(reg.store))
	r.With(authz.RequireRole(authz.RoleOperator)).Post("/{deviceId}/revoke", RevokeDeviceHandler(reg))
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
