package fleet

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// deviceCtxKey is an unexported type used as the context key for EdgeDevice.
type deviceCtxKey struct{}

// WithDevice returns a new context with the authenticated device attached.
func WithDevice(ctx context.Context, d *EdgeDevice) context.Context {
	return context.WithValue(ctx, deviceCtxKey{}, d)
}

// DeviceFromContext retrieves the authenticated device from the context.
func DeviceFromContext(ctx context.Context) (*EdgeDevice, bool) {
	d, ok := ctx.Value(deviceCtxKey{}).(*EdgeDevice)
	return d, ok
}

// DeviceAuthMiddleware authenticates edge devices. The bearer token has the
// form "<device_id>.<secret>"; the secret is verified against the stored
// salted hash. Unknown, revoked, and mismatched tokens all yield the same
// 401 so callers cannot probe which device IDs exist.
func DeviceAuthMiddleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID, secret := splitDeviceToken(bearerToken(r))
			if deviceID == "" || secret == "" {
				writeDeviceAuthError(w)
				return
			}

			device, err := store.Authenticate(deviceID, secret)
			if err != nil || device == nil {
				writeDeviceAuthError(w)
				return
			}

			store.TouchDevice(device.ID)
			next.ServeHTTP(w, r.WithContext(WithDevice(r.Context(), device)))
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func splitDeviceToken(token string) (deviceID, secret string) {
	idx := strings.Index(token, ".")
	if idx <= 0 || idx == len(token)-1 {
		return "", ""
	}
	return token[:idx], token[idx+1:]
}

func writeDeviceAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": "invalid or revoked device token",
	})
}
