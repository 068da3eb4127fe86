package fleet

import "os"

// Config holds fleet inventory and enrollment settings.
type Config struct {
	// InventoryFile is the YAML fleet layout applied at startup. Empty
	// skips loading.
	InventoryFile string
	// EnrollSecret gates edge device registration. Empty disables
	// registration entirely.
	EnrollSecret string
}

// DefaultConfig returns the default fleet configuration.
func DefaultConfig() Config {
	return Config{}
}

// ConfigFromEnv returns a Config built from environment variables:
//   - FLEET_INVENTORY_FILE
//   - FLEET_ENROLL_SECRET
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.InventoryFile = os.Getenv("FLEET_INVENTORY_FILE")
	cfg.EnrollSecret = os.Getenv("FLEET_ENROLL_SECRET")
	return cfg
}
