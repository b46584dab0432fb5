// Package config handles loading, validating, and writing the talad server
// configuration from ~/.talad/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Ledger datastore path (SQLite file)
//   - Dashboard toggle
//   - Compliance monitor interval
//   - The development-only auth bypass flag
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level talad configuration. Loaded from
// ~/.talad/config.yaml, with sensible defaults for fields that are not
// explicitly set.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Datastore DatastoreConfig `yaml:"datastore"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ServerConfig defines where the audit API listens.
// Default: 127.0.0.1:3001 (loopback only — never bind to 0.0.0.0).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatastoreConfig points at the SQLite ledger file. A relative path is
// resolved against the config directory.
type DatastoreConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig controls the web dashboard served at /dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MonitorConfig controls the scheduled tenant-wide tampering scans.
// Scan targets live in monitor.yaml next to this config file.
type MonitorConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"intervalSeconds"`
}

// AuthConfig carries the development-only bypass switch.
//
// Disabled=true makes the chain writer return a sentinel id without
// persisting anything — it exists so a development backend can run without
// a configured datastore. It must never be set in production: no audit
// records are written while it is on.
type AuthConfig struct {
	Disabled bool `yaml:"disabled"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. Normal on first run before
			// `talad` setup creates the file.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated and a
// comment header. Used by the first-run setup and `talad config edit` when
// no config file exists yet.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# talad configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3001)
#
# datastore:
#   path: SQLite ledger file (relative paths resolve against this directory)
#
# dashboard:
#   enabled: Serve the audit dashboard at /dashboard on the same port
#
# monitor:
#   enabled: Run scheduled tenant-wide tampering scans
#   intervalSeconds: Seconds between scans (targets in monitor.yaml)
#
# auth:
#   disabled: DEVELOPMENT ONLY. Skips audit persistence entirely.
#             Never enable in production.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3001,
		},
		Datastore: DatastoreConfig{
			Path: "ledger.db",
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
		Monitor: MonitorConfig{
			Enabled:         true,
			IntervalSeconds: 300,
		},
		Auth: AuthConfig{
			Disabled: false,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Datastore.Path == "" && !cfg.Auth.Disabled {
		return fmt.Errorf("datastore.path is required unless auth.disabled is set")
	}
	if cfg.Monitor.Enabled && cfg.Monitor.IntervalSeconds < 1 {
		return fmt.Errorf("monitor.intervalSeconds must be positive when the monitor is enabled")
	}
	return nil
}
