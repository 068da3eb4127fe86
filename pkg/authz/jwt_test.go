package authz

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func requestWithToken(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func writePublicKeyPEM(t *testing.T, pub *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "jwt.pub")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path
}

func TestJWTExtractorUnverified(t *testing.T) {
	extract, err := NewJWTIdentityExtractor(JWTConfig{Logger: discardLogger()})
	require.NoError(t, err)

	token := signToken(t, jwt.SigningMethodHS256, []byte("dev-secret"), jwt.MapClaims{
		"sub":    "olga-op",
		"role":   "operator",
		"tenant": "acme",
	})
	id, ok := extract(requestWithToken(token))
	require.True(t, ok)
	assert.Equal(t, "olga-op", id.Subject)
	assert.Equal(t, RoleOperator, id.Role)
	assert.Equal(t, "acme", id.TenantID)

	_, ok = extract(requestWithToken(""))
	assert.False(t, ok)

	_, ok = extract(requestWithToken("not-a-jwt"))
	assert.False(t, ok)

	noSub := signToken(t, jwt.SigningMethodHS256, []byte("dev-secret"), jwt.MapClaims{"role": "admin"})
	_, ok = extract(requestWithToken(noSub))
	assert.False(t, ok)
}

// A token that parses but carries no usable role claim must never yield more
// than viewer.
func TestJWTExtractorMissingRoleIsViewer(t *testing.T) {
	extract, err := NewJWTIdentityExtractor(JWTConfig{Logger: discardLogger()})
	require.NoError(t, err)

	token := signToken(t, jwt.SigningMethodHS256, []byte("dev-secret"), jwt.MapClaims{"sub": "someone"})
	id, ok := extract(requestWithToken(token))
	require.True(t, ok)
	assert.Equal(t, RoleViewer, id.Role)
}

func TestJWTExtractorNestedClaims(t *testing.T) {
	extract, err := NewJWTIdentityExtractor(JWTConfig{
		RoleClaim:   "realm.role",
		TenantClaim: "org.id",
		Logger:      discardLogger(),
	})
	require.NoError(t, err)

	token := signToken(t, jwt.SigningMethodHS256, []byte("dev-secret"), jwt.MapClaims{
		"sub":   "carol-cust",
		"realm": map[string]any{"role": "customer"},
		"org":   map[string]any{"id": "acme"},
	})
	id, ok := extract(requestWithToken(token))
	require.True(t, ok)
	assert.Equal(t, RoleCustomer, id.Role)
	assert.Equal(t, "acme", id.TenantID)
}

func TestJWTExtractorVerifiedRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	extract, err := NewJWTIdentityExtractor(JWTConfig{
		PublicKeyPath: writePublicKeyPEM(t, &key.PublicKey),
		Issuer:        "hashplane",
		Audience:      "fleet-api",
		Logger:        discardLogger(),
	})
	require.NoError(t, err)

	good := signToken(t, jwt.SigningMethodRS256, key, jwt.MapClaims{
		"sub": "ada-admin", "role": "admin", "iss": "hashplane", "aud": "fleet-api",
	})
	id, ok := extract(requestWithToken(good))
	require.True(t, ok)
	assert.Equal(t, RoleAdmin, id.Role)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	forged := signToken(t, jwt.SigningMethodRS256, otherKey, jwt.MapClaims{
		"sub": "x", "iss": "hashplane", "aud": "fleet-api",
	})
	_, ok = extract(requestWithToken(forged))
	assert.False(t, ok, "token signed by a different key must fail")

	symmetric := signToken(t, jwt.SigningMethodHS256, []byte("secret"), jwt.MapClaims{
		"sub": "x", "iss": "hashplane", "aud": "fleet-api",
	})
	_, ok = extract(requestWithToken(symmetric))
	assert.False(t, ok, "non-RSA signing method must fail")

	wrongIssuer := signToken(t, jwt.SigningMethodRS256, key, jwt.MapClaims{
		"sub": "x", "iss": "evil", "aud": "fleet-api",
	})
	_, ok = extract(requestWithToken(wrongIssuer))
	assert.False(t, ok)

	expired := signToken(t, jwt.SigningMethodRS256, key, jwt.MapClaims{
		"sub": "x", "iss": "hashplane", "aud": "fleet-api",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	_, ok = extract(requestWithToken(expired))
	assert.False(t, ok)
}

func TestNewJWTExtractorKeyErrors(t *testing.T) {
	_, err := NewJWTIdentityExtractor(JWTConfig{
		PublicKeyPath: filepath.Join(t.TempDir(), "missing.pem"),
		Logger:        discardLogger(),
	})
	require.Error(t, err)

	junk := filepath.Join(t.TempDir(), "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not a pem"), 0o600))
	_, err = NewJWTIdentityExtractor(JWTConfig{PublicKeyPath: junk, Logger: discardLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode PEM block")
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		auth string
		want string
	}{
		{"", ""},
		{"Token abc", ""},
		{"Bearer", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Bearer  abc ", "abc"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.auth != "" {
			req.Header.Set("Authorization", tc.auth)
		}
		assert.Equal(t, tc.want, BearerToken(req), "auth %q", tc.auth)
	}
}
