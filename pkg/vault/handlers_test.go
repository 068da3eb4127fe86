package vault

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashplane/hashplane/pkg/authz"
	"github.com/hashplane/hashplane/pkg/fleet"
)

func setupHandlerTest(t *testing.T) (*testEnv, chi.Router) {
	t.Helper()
	e := setupTestEnv(t)
	r := chi.NewRouter()
	r.Use(authz.IdentityMiddleware(nil))
	r.Mount("/", Router(e.vault))
	return e, r
}

func doRequest(t *testing.T, router chi.Router, method, path string, id authz.Identity, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if id.Subject != "" {
		req.Header.Set("X-Remote-User", id.Subject)
		req.Header.Set("X-Remote-Role", string(id.Role))
		req.Header.Set("X-Remote-Tenant", id.TenantID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCredentialHandlerRoundTrip(t *testing.T) {
	e, router := setupHandlerTest(t)

	rec := doRequest(t, router, http.MethodPost, "/miners/m-mask/credential", e.operator,
		StoreRequest{Value: poolCredential, Counter: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(fleet.ModeMasking), body["mode"])
	assert.NotContains(t, body["value"], "hunter2")

	// Admins read the raw value, everyone else the masked rendering.
	rec = doRequest(t, router, http.MethodGet, "/miners/m-mask/credential", e.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["value"], "hunter2")

	rec = doRequest(t, router, http.MethodGet, "/miners/m-mask/credential", e.operator, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decodeBody(t, rec)["value"], "hunter2")
}

func TestCredentialHandlerErrors(t *testing.T) {
	e, router := setupHandlerTest(t)

	t.Run("store as customer", func(t *testing.T) {
		rec := doRequest(t, router, http.MethodPost, "/miners/m-mask/credential", e.cust,
			StoreRequest{Value: "x", Counter: 1})
		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, CodeAccessDenied, decodeBody(t, rec)["error"])
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/miners/m-mask/credential", bytes.NewBufferString("{nope"))
		req.Header.Set("X-Remote-User", e.operator.Subject)
		req.Header.Set("X-Remote-Role", string(e.operator.Role))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, CodeValidation, decodeBody(t, rec)["error"])
	})

	t.Run("unknown miner", func(t *testing.T) {
		rec := doRequest(t, router, http.MethodGet, "/miners/m-unknown/credential", e.admin, nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("anti-rollback over http", func(t *testing.T) {
		rec := doRequest(t, router, http.MethodPost, "/miners/m-mask-2/credential", e.operator,
			StoreRequest{Value: "v1", Counter: 3})
		require.Equal(t, http.StatusOK, rec.Code)
		rec = doRequest(t, router, http.MethodPost, "/miners/m-mask-2/credential", e.operator,
			StoreRequest{Value: "v2", Counter: 3})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, CodeAntiRollback, decodeBody(t, rec)["error"])
	})
}

func TestRevealHandler(t *testing.T) {
	e, router := setupHandlerTest(t)
	rec := doRequest(t, router, http.MethodPost, "/miners/m-env/credential", e.operator,
		StoreRequest{Value: poolCredential, Counter: 1})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/miners/m-env/reveal", e.admin,
		map[string]string{"reason": "routine credential audit"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, poolCredential, body["value"])
	assert.Equal(t, float64(fleet.ModeEnvelope), body["mode"])

	rec = doRequest(t, router, http.MethodPost, "/miners/m-env/reveal", e.operator,
		map[string]string{"reason": "routine credential audit"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeAccessDenied, decodeBody(t, rec)["error"])

	rec = doRequest(t, router, http.MethodPost, "/miners/m-env/reveal", e.admin,
		map[string]string{"reason": "nope"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeValidation, decodeBody(t, rec)["error"])
}

func TestRevealHandlerE2EE(t *testing.T) {
	e, router := setupHandlerTest(t)
	rec := doRequest(t, router, http.MethodPost, "/miners/m-e2e/credential", e.operator,
		StoreRequest{Value: "opaque-blob", Counter: 1})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/miners/m-e2e/reveal", e.admin,
		map[string]string{"reason": "routine credential audit"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidState, decodeBody(t, rec)["error"])
}

func TestBatchMigrateHandler(t *testing.T) {
	e, router := setupHandlerTest(t)
	rec := doRequest(t, router, http.MethodPost, "/miners/m-mask/credential", e.operator,
		StoreRequest{Value: poolCredential, Counter: 1})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/sites/site-mask/batch-migrate", e.admin,
		map[string]int{"target_mode": fleet.ModeEnvelope})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["migrated"])
	assert.Equal(t, float64(2), body["skipped"])
	assert.Equal(t, float64(0), body["failed"])

	rec = doRequest(t, router, http.MethodPost, "/sites/site-mask/batch-migrate", e.operator,
		map[string]int{"target_mode": fleet.ModeMasking})
	require.Equal(t, http.StatusForbidden, rec.Code)
}
