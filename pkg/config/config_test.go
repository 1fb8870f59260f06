package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv(EnvDataDir, "")
	t.Setenv(EnvLogLevel, "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "data/security", cfg.DataDir)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, filepath.Join("data/security", "authority_ledger.json"), cfg.LedgerPath())
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"data_dir: /var/lib/disr\nlog_level: DEBUG\nexport_bucket: evidence\n"), 0o600))
	t.Setenv(EnvConfigPath, path)
	t.Setenv(EnvDataDir, "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/disr", cfg.DataDir)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "evidence", cfg.ExportBucket)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /from/file\n"), 0o600))
	t.Setenv(EnvConfigPath, path)
	t.Setenv(EnvDataDir, "/from/env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.DataDir)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: [unclosed\n"), 0o600))
	t.Setenv(EnvConfigPath, path)

	_, err := Load()
	require.Error(t, err)
}
