package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "headers", cfg.Mode)
	assert.Empty(t, cfg.JWT.PublicKeyPath)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("FLEET_AUTH_MODE", "jwt")
	t.Setenv("FLEET_AUTH_JWT_PUBLIC_KEY", "/etc/fleet/jwt.pub")
	t.Setenv("FLEET_AUTH_JWT_ISSUER", "hashplane")
	t.Setenv("FLEET_AUTH_JWT_AUDIENCE", "fleet-api")
	t.Setenv("FLEET_AUTH_JWT_ROLE_CLAIM", "realm.role")
	t.Setenv("FLEET_AUTH_JWT_TENANT_CLAIM", "org.id")

	cfg := ConfigFromEnv()
	assert.Equal(t, "jwt", cfg.Mode)
	assert.Equal(t, "/etc/fleet/jwt.pub", cfg.JWT.PublicKeyPath)
	assert.Equal(t, "hashplane", cfg.JWT.Issuer)
	assert.Equal(t, "fleet-api", cfg.JWT.Audience)
	assert.Equal(t, "realm.role", cfg.JWT.RoleClaim)
	assert.Equal(t, "org.id", cfg.JWT.TenantClaim)
}
