package server

import (
	"os"
	"strconv"

	"github.com/hashplane/hashplane/pkg/audit"
	"github.com/hashplane/hashplane/pkg/authz"
	"github.com/hashplane/hashplane/pkg/command"
	"github.com/hashplane/hashplane/pkg/dispatch"
	"github.com/hashplane/hashplane/pkg/fleet"
	"github.com/hashplane/hashplane/pkg/ha"
	"github.com/hashplane/hashplane/pkg/policy"
	"github.com/hashplane/hashplane/pkg/tenancy"
	"github.com/hashplane/hashplane/pkg/vault"
)

// BasePath is the operator API prefix; edge devices use BasePath + "/edge".
const BasePath = "/api/fleet/v1alpha1"

// Config aggregates the per-feature configurations plus the settings that
// belong to the HTTP surface itself.
type Config struct {
	Auth     *authz.Config
	Audit    *audit.Config
	Command  command.Config
	Dispatch dispatch.Config
	Vault    vault.Config
	Fleet    fleet.Config
	Policy   policy.Config
	HA       *ha.HAConfig

	TenancyMode tenancy.Mode

	// EdgePollRate and EdgePollBurst size the per-device token bucket on
	// the edge surface.
	EdgePollRate  float64
	EdgePollBurst int
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Auth:          authz.DefaultConfig(),
		Audit:         audit.DefaultConfig(),
		Command:       command.DefaultConfig(),
		Dispatch:      dispatch.DefaultConfig(),
		Vault:         vault.DefaultConfig(),
		Fleet:         fleet.DefaultConfig(),
		Policy:        policy.DefaultConfig(),
		HA:            ha.DefaultHAConfig(),
		TenancyMode:   tenancy.ModeSingle,
		EdgePollRate:  5,
		EdgePollBurst: 10,
	}
}

// ConfigFromEnv builds the full server configuration from environment
// variables. Each feature package documents its own FLEET_* variables; the
// edge rate limit adds:
//   - FLEET_EDGE_RATE: poll tokens per second per device
//   - FLEET_EDGE_BURST: bucket capacity per device
func ConfigFromEnv() Config {
	cfg := Config{
		Auth:          authz.ConfigFromEnv(),
		Audit:         audit.ConfigFromEnv(),
		Command:       command.ConfigFromEnv(),
		Dispatch:      dispatch.ConfigFromEnv(),
		Vault:         vault.ConfigFromEnv(),
		Fleet:         fleet.ConfigFromEnv(),
		Policy:        policy.ConfigFromEnv(),
		HA:            ha.HAConfigFromEnv(),
		TenancyMode:   tenancy.ModeFromEnv(),
		EdgePollRate:  5,
		EdgePollBurst: 10,
	}
	if v := os.Getenv("FLEET_EDGE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.EdgePollRate = f
		}
	}
	if v := os.Getenv("FLEET_EDGE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EdgePollBurst = n
		}
	}
	return cfg
}
