// Package config loads and validates capvault configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Derive    DeriveConfig    `mapstructure:"derive"`
	Retention RetentionConfig `mapstructure:"retention"`
	Migration MigrationConfig `mapstructure:"migration"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// StorageConfig sets the root directory for all zones.
type StorageConfig struct {
	Root string `mapstructure:"root"`
}

// CaptureConfig governs capture session behavior.
type CaptureConfig struct {
	ToolName    string `mapstructure:"tool_name"`
	ToolVersion string `mapstructure:"tool_version"`
}

// DeriveConfig governs the derivation engine.
type DeriveConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// RetentionConfig sets per-zone retention windows.
type RetentionConfig struct {
	RawMaxAgeDays     int `mapstructure:"raw_max_age_days"`
	DerivedMaxAgeDays int `mapstructure:"derived_max_age_days"`
}

// MigrationConfig points at the legacy capture database.
type MigrationConfig struct {
	DSN          string   `mapstructure:"dsn"`
	Tables       []string `mapstructure:"tables"`
	SourceSystem string   `mapstructure:"source_system"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAPVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.root", "./capvault-data")
	v.SetDefault("capture.tool_name", "capvault")
	v.SetDefault("capture.tool_version", "dev")
	v.SetDefault("derive.concurrency", 4)
	v.SetDefault("retention.raw_max_age_days", 365)
	v.SetDefault("retention.derived_max_age_days", 30)
	v.SetDefault("migration.source_system", "legacy")
	v.SetDefault("logging.development", true)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Storage.Root) == "" {
		return fmt.Errorf("storage.root must be set")
	}
	if c.Derive.Concurrency <= 0 {
		return fmt.Errorf("derive.concurrency must be > 0")
	}
	if c.Retention.RawMaxAgeDays <= 0 {
		return fmt.Errorf("retention.raw_max_age_days must be > 0")
	}
	if c.Retention.DerivedMaxAgeDays <= 0 {
		return fmt.Errorf("retention.derived_max_age_days must be > 0")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr must be set when metrics are enabled")
	}
	return nil
}

// RawMaxAge converts the RAW retention window into a duration.
func (c Config) RawMaxAge() time.Duration {
	return time.Duration(c.Retention.RawMaxAgeDays) * 24 * time.Hour
}

// DerivedMaxAge converts the DERIVED retention window into a duration.
func (c Config) DerivedMaxAge() time.Duration {
	return time.Duration(c.Retention.DerivedMaxAgeDays) * 24 * time.Hour
}
