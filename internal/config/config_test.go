package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndParsesMinimalConfig(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/clio
peers:
  - hostname: rippled1
    ws_port: 6006
    grpc_port: 50051
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint(20), cfg.Database.KeyShift)
	assert.Equal(t, "async", cfg.CacheLoader.Style)
	assert.Equal(t, 2, cfg.RPC.MaxVersion)
	assert.Equal(t, "postgres://localhost/clio", cfg.Database.URL)
}

func TestLoadRejectsMissingDatabaseURL(t *testing.T) {
	path := writeConfig(t, `
peers:
  - hostname: rippled1
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsKeyShiftOutOfRange(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/clio
  key_shift: 30
peers:
  - hostname: rippled1
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsNoPeers(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/clio
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/clio
peers:
  - hostname: rippled1
log_level: info
`)
	t.Setenv("RIPPLED_REPORTING_LOG_LEVEL", "DEBUG")
	t.Setenv("RIPPLED_REPORTING_DB_URL", "postgres://override/clio")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres://override/clio", cfg.Database.URL)
}

func TestDurationHelpersParseConfiguredStrings(t *testing.T) {
	d := DatabaseConfig{OnlineDeleteInterval: "30s"}
	assert.Equal(t, "30s", d.OnlineDeleteIntervalDuration().String())
}
