// Package config loads and validates the daemon configuration: listen
// addresses, state directory, source connections, and the optional results
// database. Tenant and pipeline configuration is loaded separately (see
// internal/configloader).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration. It is immutable after creation
// via Load().
type Config struct {
	// StateDir is where the trigger snapshot, the time database and the
	// project keys live
	StateDir string `yaml:"state_dir"`

	// TenantConfig is the path to the tenant configuration file
	TenantConfig string `yaml:"tenant_config"`

	// LogLevel controls log verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// Web configures the HTTP surface (status, control plane, webhooks,
	// worker gateway)
	Web WebConfig `yaml:"web"`

	// Connections are the configured code-review endpoints
	Connections []ConnectionConfig `yaml:"connections"`

	// Results configures the optional PostgreSQL build-results store
	Results ResultsConfig `yaml:"results"`
}

// WebConfig controls the HTTP listener.
type WebConfig struct {
	// Listen is the bind address, loopback by default
	Listen string `yaml:"listen"`

	// BaseURL is the externally reachable URL, linked from status reports
	BaseURL string `yaml:"base_url,omitempty"`
}

// ConnectionConfig describes one source connection.
type ConnectionConfig struct {
	// Name identifies the connection in tenant configuration and webhook
	// URLs
	Name string `yaml:"name"`

	// Driver selects the platform adapter; only "github" is supported
	Driver string `yaml:"driver"`

	// Hostname is the canonical hostname projects are addressed by
	Hostname string `yaml:"hostname"`

	// APIBaseURL is the REST endpoint, e.g. "https://api.github.com"
	APIBaseURL string `yaml:"api_base_url"`

	// Token authenticates API calls
	Token string `yaml:"token"`

	// WebhookSecret validates webhook deliveries (HMAC-SHA1)
	WebhookSecret string `yaml:"webhook_secret"`
}

// ResultsConfig controls the optional build-results database.
type ResultsConfig struct {
	// DSN is a PostgreSQL connection string; empty disables the store
	DSN string `yaml:"dsn,omitempty"`
}

// Load reads configuration from path, applies defaults, environment
// overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	// Relative paths resolve from the config file's directory
	base := filepath.Dir(path)
	if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(base, cfg.StateDir)
	}
	if cfg.TenantConfig != "" && !filepath.IsAbs(cfg.TenantConfig) {
		cfg.TenantConfig = filepath.Join(base, cfg.TenantConfig)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Connection returns the named connection config, or nil.
func (c *Config) Connection(name string) *ConnectionConfig {
	for i := range c.Connections {
		if c.Connections[i].Name == name {
			return &c.Connections[i]
		}
	}
	return nil
}
