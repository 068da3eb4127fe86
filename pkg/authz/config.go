package authz

import "os"

// Config selects how operator identities are established.
type Config struct {
	// Mode is "headers" (trusted proxy) or "jwt".
	Mode string

	JWT JWTConfig
}

// DefaultConfig returns header-based identity, the dev default.
func DefaultConfig() *Config {
	return &Config{Mode: "headers"}
}

// ConfigFromEnv loads config from environment variables.
// FLEET_AUTH_MODE, FLEET_AUTH_JWT_PUBLIC_KEY, FLEET_AUTH_JWT_ISSUER,
// FLEET_AUTH_JWT_AUDIENCE, FLEET_AUTH_JWT_ROLE_CLAIM, FLEET_AUTH_JWT_TENANT_CLAIM
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	if v := os.Getenv("FLEET_AUTH_MODE"); v != "" {
		cfg.Mode = v
	}
	cfg.JWT.PublicKeyPath = os.Getenv("FLEET_AUTH_JWT_PUBLIC_KEY")
	cfg.JWT.Issuer = os.Getenv("FLEET_AUTH_JWT_ISSUER")
	cfg.JWT.Audience = os.Getenv("FLEET_AUTH_JWT_AUDIENCE")
	if v := os.Getenv("FLEET_AUTH_JWT_ROLE_CLAIM"); v != "" {
		cfg.JWT.RoleClaim = v
	}
	if v := os.Getenv("FLEET_AUTH_JWT_TENANT_CLAIM"); v != "" {
		cfg.JWT.TenantClaim = v
	}
	return cfg
}
