// Package config resolves runtime configuration for the DISR tooling.
// Environment variables win over the optional YAML config file, which wins
// over the built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variables understood by the tooling.
const (
	EnvConfigPath     = "DISR_CONFIG"
	EnvDataDir        = "DISR_DATA_DIR"
	EnvLogLevel       = "DISR_LOG_LEVEL"
	EnvSigningKey     = "DISR_SIGNING_KEY"
	EnvDatabaseURL    = "DISR_DATABASE_URL"
	EnvRedisAddr      = "DISR_REDIS_ADDR"
	EnvExportBucket   = "DISR_EXPORT_BUCKET"
	EnvExportRegion   = "DISR_EXPORT_REGION"
	EnvExportEndpoint = "DISR_EXPORT_ENDPOINT"
)

// Config holds tooling configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	// PolicyPath points at the crypto policy JSON; empty uses the policy
	// package's own resolution order.
	PolicyPath string `yaml:"policy_path"`

	// DatabaseURL selects a SQL ledger backend when set; the file backend
	// is the default.
	DatabaseURL string `yaml:"database_url"`
	// RedisAddr enables the Redis idempotency backend when set.
	RedisAddr string `yaml:"redis_addr"`

	// Export destination for ledger evidence uploads.
	ExportBucket   string `yaml:"export_bucket"`
	ExportRegion   string `yaml:"export_region"`
	ExportEndpoint string `yaml:"export_endpoint"`
}

// Load resolves configuration: defaults, then the YAML file named by
// DISR_CONFIG (when present), then environment overrides.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:  "data/security",
		LogLevel: "INFO",
	}

	if path := os.Getenv(EnvConfigPath); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config file %s unreadable: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config file %s is not valid YAML: %w", path, err)
		}
	}

	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv(EnvExportBucket); v != "" {
		cfg.ExportBucket = v
	}
	if v := os.Getenv(EnvExportRegion); v != "" {
		cfg.ExportRegion = v
	}
	if v := os.Getenv(EnvExportEndpoint); v != "" {
		cfg.ExportEndpoint = v
	}
	return cfg, nil
}

// SigningKey reads the authority signing key from the environment. Key
// material never lives in the config file.
func SigningKey() string {
	return os.Getenv(EnvSigningKey)
}

// Paths into the data directory.

func (c *Config) KeystorePath() string {
	return filepath.Join(c.DataDir, "local_keystore.json")
}

func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "authority_ledger.json")
}

func (c *Config) EventsPath() string {
	return filepath.Join(c.DataDir, "security_events.jsonl")
}

func (c *Config) CheckpointPath() string {
	return filepath.Join(c.DataDir, "reencrypt_checkpoint.json")
}

func (c *Config) IdempotencyPath() string {
	return filepath.Join(c.DataDir, "idempotency.json")
}
