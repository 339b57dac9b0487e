package config

const (
	DefaultStateDir     = "state"
	DefaultTenantConfig = "tenants.yaml"
	DefaultLogLevel     = "info"
	DefaultListen       = "127.0.0.1:8080"
	DefaultAPIBaseURL   = "https://api.github.com"
	DefaultHostname     = "github.com"
)

// DefaultConfig returns a Config with all default values applied.
func DefaultConfig() *Config {
	return &Config{
		StateDir:     DefaultStateDir,
		TenantConfig: DefaultTenantConfig,
		LogLevel:     DefaultLogLevel,
		Web: WebConfig{
			Listen: DefaultListen,
		},
	}
}

// applyConnectionDefaults fills per-connection defaults after parsing.
func applyConnectionDefaults(cc *ConnectionConfig) {
	if cc.Driver == "" {
		cc.Driver = "github"
	}
	if cc.Hostname == "" {
		cc.Hostname = DefaultHostname
	}
	if cc.APIBaseURL == "" {
		cc.APIBaseURL = DefaultAPIBaseURL
	}
}
