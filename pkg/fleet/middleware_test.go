package fleet

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authProbe(store *Store) (http.Handler, *[]string) {
	var seen []string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d, ok := DeviceFromContext(r.Context()); ok {
			seen = append(seen, d.ID)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return DeviceAuthMiddleware(store)(next), &seen
}

func TestDeviceAuthMiddlewareAllowsValidToken(t *testing.T) {
	store, _ := setupTestStore(t)
	_, token := registerDevice(t, store, "dev-1", "site-a", "zone-1")
	handler, seen := authProbe(store)

	req := httptest.NewRequest(http.MethodPost, "/commands/poll", nil)
	req.Header.Set("Authorization", "Bearer dev-1."+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"dev-1"}, *seen)

	// Authenticated traffic refreshes the liveness timestamp.
	refreshed, err := store.GetDevice("dev-1")
	require.NoError(t, err)
	assert.NotNil(t, refreshed.LastSeenAt)
}

func TestDeviceAuthMiddlewareSchemeIsCaseInsensitive(t *testing.T) {
	store, _ := setupTestStore(t)
	_, token := registerDevice(t, store, "dev-1", "site-a", "zone-1")
	handler, _ := authProbe(store)

	req := httptest.NewRequest(http.MethodPost, "/commands/poll", nil)
	req.Header.Set("Authorization", "bearer dev-1."+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDeviceAuthMiddlewareRejects(t *testing.T) {
	store, _ := setupTestStore(t)
	_, token := registerDevice(t, store, "dev-1", "site-a", "zone-1")
	handler, seen := authProbe(store)

	cases := []struct {
		name string
		auth string
	}{
		{"missing header", ""},
		{"not bearer", "Basic dev-1." + token},
		{"no separator", "Bearer dev-1" + token},
		{"empty secret", "Bearer dev-1."},
		{"empty device id", "Bearer ." + token},
		{"wrong secret", "Bearer dev-1.deadbeef"},
		{"unknown device", "Bearer ghost." + token},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/commands/poll", nil)
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, http.StatusUnauthorized, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "unauthorized", body["error"])
		})
	}
	assert.Empty(t, *seen)
}

func TestDeviceAuthMiddlewareRejectsRevoked(t *testing.T) {
	store, _ := setupTestStore(t)
	_, token := registerDevice(t, store, "dev-1", "site-a", "zone-1")
	require.NoError(t, store.RevokeDevice("dev-1"))
	handler, _ := authProbe(store)

	req := httptest.NewRequest(http.MethodPost, "/commands/poll", nil)
	req.Header.Set("Authorization", "Bearer dev-1."+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
