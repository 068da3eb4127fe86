// Package tenancy resolves which tenant a request acts for. Commands, sites,
// and miners are tenant-owned; every operator request runs inside exactly one
// tenant. Single-tenant mode maps everything to "default"; identity mode
// requires a tenant bound to the caller's credentials.
package tenancy

import "os"

// Mode controls how tenant context is resolved.
type Mode string

const (
	// ModeSingle uses the "default" tenant for all requests.
	ModeSingle Mode = "single"
	// ModeIdentity requires a tenant claim or header on every request.
	ModeIdentity Mode = "identity"
)

// ModeFromEnv reads FLEET_TENANCY_MODE, defaulting to single-tenant.
func ModeFromEnv() Mode {
	switch Mode(os.Getenv("FLEET_TENANCY_MODE")) {
	case ModeIdentity:
		return ModeIdentity
	}
	return ModeSingle
}
