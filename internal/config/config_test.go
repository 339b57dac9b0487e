package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "switchyard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "{}\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultListen, cfg.Web.Listen)
	// relative defaults resolve from the config file's directory
	assert.Equal(t, filepath.Join(filepath.Dir(path), DefaultStateDir), cfg.StateDir)
	assert.Equal(t, filepath.Join(filepath.Dir(path), DefaultTenantConfig), cfg.TenantConfig)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
state_dir: /var/lib/switchyard
tenant_config: /etc/switchyard/tenants.yaml
log_level: debug
web:
  listen: 0.0.0.0:9090
  base_url: https://ci.example.com
connections:
  - name: github
    hostname: github.example.com
    api_base_url: https://github.example.com/api/v3
    token: tok
    webhook_secret: hush
results:
  dsn: postgres://switchyard@localhost/builds
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/switchyard", cfg.StateDir)
	assert.Equal(t, "/etc/switchyard/tenants.yaml", cfg.TenantConfig)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:9090", cfg.Web.Listen)
	assert.Equal(t, "https://ci.example.com", cfg.Web.BaseURL)
	assert.Equal(t, "postgres://switchyard@localhost/builds", cfg.Results.DSN)

	cc := cfg.Connection("github")
	require.NotNil(t, cc)
	assert.Equal(t, "github", cc.Driver, "driver defaults to github")
	assert.Equal(t, "github.example.com", cc.Hostname)
	assert.Equal(t, "tok", cc.Token)

	assert.Nil(t, cfg.Connection("missing"))
}

func TestLoadConnectionDefaults(t *testing.T) {
	path := writeConfig(t, `
connections:
  - name: github
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	cc := cfg.Connection("github")
	require.NotNil(t, cc)
	assert.Equal(t, "github", cc.Driver)
	assert.Equal(t, DefaultHostname, cc.Hostname)
	assert.Equal(t, DefaultAPIBaseURL, cc.APIBaseURL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SWITCHYARD_STATE_DIR", "/srv/state")
	t.Setenv("SWITCHYARD_LOG_LEVEL", "warn")
	t.Setenv("SWITCHYARD_LISTEN", "127.0.0.1:9999")
	t.Setenv("SWITCHYARD_RESULTS_DSN", "postgres://env")
	t.Setenv("SWITCHYARD_TOKEN_GITHUB_EE", "env-token")
	t.Setenv("SWITCHYARD_WEBHOOK_SECRET_GITHUB_EE", "env-secret")

	path := writeConfig(t, `
log_level: info
connections:
  - name: github-ee
    hostname: github.example.com
    token: file-token
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/state", cfg.StateDir)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9999", cfg.Web.Listen)
	assert.Equal(t, "postgres://env", cfg.Results.DSN)

	cc := cfg.Connection("github-ee")
	require.NotNil(t, cc)
	assert.Equal(t, "env-token", cc.Token, "env token wins over the file")
	assert.Equal(t, "env-secret", cc.WebhookSecret)
}

func TestValidateBadLogLevel(t *testing.T) {
	path := writeConfig(t, "log_level: loud\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestValidateDuplicateConnections(t *testing.T) {
	path := writeConfig(t, `
connections:
  - name: github
  - name: github
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate connection name")
}

func TestValidateUnknownDriver(t *testing.T) {
	path := writeConfig(t, `
connections:
  - name: gerrit
    driver: gerrit
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Setenv("SWITCHYARD_STATE_DIR", "")
	path := writeConfig(t, `
state_dir: ""
log_level: loud
web:
  listen: ""
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "web.listen")
}
