package config

import (
	"os"
	"strings"
)

// envOverrides maps environment variables to config field setters.
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{
		envVar: "SWITCHYARD_STATE_DIR",
		apply: func(c *Config, v string) {
			c.StateDir = v
		},
	},
	{
		envVar: "SWITCHYARD_LOG_LEVEL",
		apply: func(c *Config, v string) {
			c.LogLevel = v
		},
	},
	{
		envVar: "SWITCHYARD_LISTEN",
		apply: func(c *Config, v string) {
			c.Web.Listen = v
		},
	},
	{
		envVar: "SWITCHYARD_RESULTS_DSN",
		apply: func(c *Config, v string) {
			c.Results.DSN = v
		},
	},
}

// applyEnvOverrides modifies config in place with environment variable
// values. Per-connection secrets come from
// SWITCHYARD_TOKEN_<NAME> and SWITCHYARD_WEBHOOK_SECRET_<NAME> so tokens
// can stay out of the config file.
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
	for i := range cfg.Connections {
		cc := &cfg.Connections[i]
		suffix := strings.ToUpper(strings.ReplaceAll(cc.Name, "-", "_"))
		if val := os.Getenv("SWITCHYARD_TOKEN_" + suffix); val != "" {
			cc.Token = val
		}
		if val := os.Getenv("SWITCHYARD_WEBHOOK_SECRET_" + suffix); val != "" {
			cc.WebhookSecret = val
		}
	}
}
