package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "txmgr.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":3008", cfg.Listen)
	require.Equal(t, "http://localhost:3001", cfg.ChainConnectorURL)
	require.Equal(t, 100, cfg.Txm.MaxPending)
	require.Equal(t, 3, cfg.Txm.MaxRetries)
	require.Equal(t, 5*time.Minute, cfg.Txm.TxTimeout.Duration)
	require.Equal(t, 24*time.Hour, cfg.Txm.RetentionPeriod.Duration)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
Listen = ":9000"
RedisURL = "redis://localhost:6379"

[Txm]
MaxPending = 25
TxTimeout = "90s"
ConfirmPollPeriod = "500ms"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	require.Equal(t, 25, cfg.Txm.MaxPending)
	require.Equal(t, 90*time.Second, cfg.Txm.TxTimeout.Duration)
	require.Equal(t, 500*time.Millisecond, cfg.Txm.ConfirmPollPeriod.Duration)
	// untouched fields keep their defaults
	require.Equal(t, "http://localhost:3006", cfg.KeyManagerURL)
	require.Equal(t, 3, cfg.Txm.MaxRetries)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `NotAField = true`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
[Txm]
TxTimeout = "ninety seconds"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TXMGR_REDIS_URL", "redis://override:6379")
	t.Setenv("TXMGR_AUTH_TOKEN", "sekrit")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "redis://override:6379", cfg.RedisURL)
	require.Equal(t, "sekrit", cfg.AuthToken)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := Default()
	bad.Listen = ""
	require.Error(t, bad.Validate())

	bad = Default()
	bad.Txm.MaxPending = 0
	require.Error(t, bad.Validate())

	bad = Default()
	bad.Txm.TxTimeout.Duration = 0
	require.Error(t, bad.Validate())
}

func TestTxmConfigConversion(t *testing.T) {
	cfg := Default()
	runtime := cfg.Txm.Config()
	require.Equal(t, cfg.Txm.MaxPending, runtime.MaxPending)
	require.Equal(t, cfg.Txm.TxTimeout.Duration, runtime.TxTimeout)
	require.Equal(t, cfg.Txm.ConfirmPollPeriod.Duration, runtime.ConfirmPollPeriod)
}
