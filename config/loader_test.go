package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tunnelbroker.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
ticket_api_url = "https://broker.example.com/tickets"
broker_auth_token = "shh"
`)

	cfg, err := Load(LoaderOptions{Path: path})
	require.NoError(t, err)

	assert.Equal(t, "*", cfg.ListenAddr)
	assert.Equal(t, 443, cfg.ListenPort)
	assert.True(t, cfg.VerifySSL)
	assert.False(t, cfg.UseProxyProtocol)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadHonorsExplicitFalseVerifySSL(t *testing.T) {
	path := writeConfigFile(t, `
ticket_api_url = "https://broker.example.com/tickets"
broker_auth_token = "shh"
verify_ssl = false
`)

	cfg, err := Load(LoaderOptions{Path: path})
	require.NoError(t, err)
	assert.False(t, cfg.VerifySSL)
}

func TestLoadRejectsMissingRequiredKeys(t *testing.T) {
	path := writeConfigFile(t, `listen_port = 8443`)

	_, err := Load(LoaderOptions{Path: path})
	assert.Error(t, err)
}

func TestLoadSkipValidationAllowsMissingKeys(t *testing.T) {
	path := writeConfigFile(t, `listen_port = 8443`)

	cfg, err := Load(LoaderOptions{Path: path, SkipValidation: true})
	require.NoError(t, err)
	assert.Equal(t, 8443, cfg.ListenPort)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(LoaderOptions{Path: filepath.Join(t.TempDir(), "missing.toml")})
	assert.Error(t, err)
}

func TestLoadEnvironmentOverridesWinOverFile(t *testing.T) {
	path := writeConfigFile(t, `
ticket_api_url = "https://broker.example.com/tickets"
broker_auth_token = "shh"
`)

	t.Setenv("TUNNELBROKER_BROKER_AUTH_TOKEN", "from-env")
	cfg, err := Load(LoaderOptions{Path: path})
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.BrokerAuthToken)
}

func TestLoadSkipEnvOverridesIgnoresEnvironment(t *testing.T) {
	path := writeConfigFile(t, `
ticket_api_url = "https://broker.example.com/tickets"
broker_auth_token = "shh"
`)

	t.Setenv("TUNNELBROKER_BROKER_AUTH_TOKEN", "from-env")
	cfg, err := Load(LoaderOptions{Path: path, SkipEnvOverrides: true})
	require.NoError(t, err)
	assert.Equal(t, "shh", cfg.BrokerAuthToken)
}
