package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	configPath string
	serverURL  string
	outputFmt  string
	asUser     string
	asRole     roleValue
	asTenant   string
	authToken  string

	fileCfg cliConfig
)

// roleValue validates --role at parse time against the server's role
// ladder instead of letting a typo surface as a confusing 403.
type roleValue string

var _ pflag.Value = (*roleValue)(nil)

func (r *roleValue) String() string { return string(*r) }

func (r *roleValue) Set(s string) error {
	switch s {
	case "", "viewer", "customer", "operator", "admin":
		*r = roleValue(s)
		return nil
	}
	return fmt.Errorf("unknown role %q: choose viewer, customer, operator or admin", s)
}

func (r *roleValue) Type() string { return "role" }

// cliConfig is the optional ~/.fleetctl.yaml file. Flags and FLEETCTL_*
// environment variables take precedence over it.
type cliConfig struct {
	Server string `mapstructure:"server"`
	User   string `mapstructure:"user"`
	Role   string `mapstructure:"role"`
	Tenant string `mapstructure:"tenant"`
	Token  string `mapstructure:"token"`
	Output string `mapstructure:"output"`
}

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "CLI for the fleet control plane",
	Long: `fleetctl drives the mining fleet control plane: propose and approve
commands, inspect the audit ledger, manage miner credentials and edge
devices.

Identity is sent as trusted headers (--user / --role / --tenant) in
header auth mode, or as a bearer token (--token) in JWT mode.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadFileConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $HOME/.fleetctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Fleet server URL (default: http://localhost:8080)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&asUser, "user", "", "Identity subject sent with requests")
	rootCmd.PersistentFlags().Var(&asRole, "role", "Identity role: viewer, customer, operator, admin")
	rootCmd.PersistentFlags().StringVar(&asTenant, "tenant", "", "Tenant for multi-tenant deployments")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token for JWT auth mode")

	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(credentialCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(healthCmd)
}

// loadFileConfig reads the optional config file. A missing default file is
// not an error; a missing explicit --config is.
func loadFileConfig() error {
	path := configPath
	explicit := path != ""
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".fleetctl.yaml")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := v.Unmarshal(&fileCfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// resolve returns the first non-empty of flag, FLEETCTL_* env var, config
// file value, then fallback.
func resolve(flagVal, envKey, fileVal, fallback string) string {
	if flagVal != "" {
		return flagVal
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fileVal != "" {
		return fileVal
	}
	return fallback
}

func resolvedServer() string {
	return resolve(serverURL, "FLEETCTL_SERVER", fileCfg.Server, "http://localhost:8080")
}

func resolvedOutput() string {
	return resolve(outputFmt, "FLEETCTL_OUTPUT", fileCfg.Output, "table")
}

func resolvedUser() string {
	return resolve(asUser, "FLEETCTL_USER", fileCfg.User, "")
}

func resolvedRole() string {
	return resolve(string(asRole), "FLEETCTL_ROLE", fileCfg.Role, "")
}

func resolvedTenant() string {
	return resolve(asTenant, "FLEETCTL_TENANT", fileCfg.Tenant, "")
}

func resolvedToken() string {
	return resolve(authToken, "FLEETCTL_TOKEN", fileCfg.Token, "")
}
