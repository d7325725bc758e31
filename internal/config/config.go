// Package config loads the engine configuration from a YAML file with
// environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/certware/walletcore/pkg/logger"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the full engine configuration.
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	Storage    StorageConfig        `yaml:"storage"`
	Backend    BackendConfig        `yaml:"backend"`
	Wallet     WalletConfig         `yaml:"wallet"`
	Issuance   IssuanceConfig       `yaml:"issuance"`
	Tests      TestsConfig          `yaml:"tests"`
	Revocation RevocationConfig     `yaml:"revocation"`
	Logging    logger.LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// StorageConfig selects the persistence backend. An empty PostgresDSN keeps
// everything in memory.
type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisURL    string `yaml:"redis_url"`
}

// BackendConfig configures the upstream certificate/test server.
type BackendConfig struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

// WalletConfig bounds the certificate wallet.
type WalletConfig struct {
	MaxPersons       int      `yaml:"max_persons"`
	ExpiryThreshold  Duration `yaml:"expiry_threshold"`
	BinRetentionDays int      `yaml:"bin_retention_days"`
}

// IssuanceConfig controls the certificate issuance protocol.
type IssuanceConfig struct {
	RetryEnabled bool     `yaml:"retry_enabled"`
	RetryBudget  int      `yaml:"retry_budget"`
	PollDelay    Duration `yaml:"poll_delay"`
}

// TestsConfig controls the test result sweeper.
type TestsConfig struct {
	SweepSchedule string `yaml:"sweep_schedule"`
}

// RevocationConfig controls revocation chunk caching.
type RevocationConfig struct {
	CacheTTL Duration `yaml:"cache_ttl"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: ":8080",
		},
		Backend: BackendConfig{
			BaseURL: "https://submission.coronawarn.app",
			Timeout: Duration(30 * time.Second),
		},
		Wallet: WalletConfig{
			MaxPersons:       20,
			ExpiryThreshold:  Duration(28 * 24 * time.Hour),
			BinRetentionDays: 30,
		},
		Issuance: IssuanceConfig{
			RetryEnabled: true,
			RetryBudget:  3,
			PollDelay:    Duration(10 * time.Second),
		},
		Tests: TestsConfig{
			SweepSchedule: "@every 1h",
		},
		Revocation: RevocationConfig{
			CacheTTL: Duration(15 * time.Minute),
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration from path, falling back to defaults for any
// unset field, and applies environment overrides last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the configuration from path, returning defaults with
// environment overrides when the file does not exist.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		cfg = Default()
		applyEnv(cfg)
	}
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WALLETCORE_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("WALLETCORE_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("WALLETCORE_REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("WALLETCORE_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("WALLETCORE_MAX_PERSONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Wallet.MaxPersons = n
		}
	}
	if v := os.Getenv("WALLETCORE_EXPIRY_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Wallet.ExpiryThreshold = Duration(d)
		}
	}
	if v := os.Getenv("WALLETCORE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base URL is required")
	}
	if c.Wallet.MaxPersons <= 0 {
		return fmt.Errorf("wallet max_persons must be positive")
	}
	if c.Wallet.ExpiryThreshold <= 0 {
		return fmt.Errorf("wallet expiry_threshold must be positive")
	}
	if c.Issuance.RetryBudget < 0 {
		return fmt.Errorf("issuance retry_budget must not be negative")
	}
	return nil
}
