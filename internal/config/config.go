// Package config loads the layered tool configuration:
// defaults -> config.yml -> config.local.yml -> validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"schemashift/internal/backup"
	"schemashift/internal/migrate"
)

// IndexesConfig configures the index definition file and the staged
// deployment pipeline.
type IndexesConfig struct {
	// File is the declarative index configuration.
	File string `yaml:"file"`

	// Staging and Production name the environments in the project
	// mapping that the pipeline rolls through, in order.
	Staging    string `yaml:"staging"`
	Production string `yaml:"production"`

	PollInterval time.Duration `yaml:"poll_interval"`
	MaxWait      time.Duration `yaml:"max_wait"`
}

// PerformanceConfig tunes the regression validator.
type PerformanceConfig struct {
	// Samples per representative query (default 5).
	Samples int `yaml:"samples"`

	// Tolerance is the allowed latency increase in percent (default 20).
	Tolerance float64 `yaml:"tolerance"`

	// ProbeLimit bounds each representative query (default 20).
	ProbeLimit int `yaml:"probe_limit"`
}

// BackupConfig points at the export bucket and bounds the rollback window.
type BackupConfig struct {
	S3 backup.S3Config `yaml:",inline"`

	// Window is the rollback window; backups older than this are not a
	// valid restore source (default 24h).
	Window time.Duration `yaml:"window"`
}

// Config holds the tool configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`

	// Environments is the path to the project-mapping file.
	Environments string `yaml:"environments"`

	// Entities is the path to the entity mapping file.
	Entities string `yaml:"entities"`

	Indexes     IndexesConfig     `yaml:"indexes"`
	Migration   migrate.Config    `yaml:"migration"`
	Performance PerformanceConfig `yaml:"performance"`
	Backup      BackupConfig      `yaml:"backup"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging:      DefaultLoggingConfig(),
		Environments: "config/environments.yml",
		Entities:     "config/entities.yml",
		Indexes: IndexesConfig{
			File:         "config/indexes.yml",
			Staging:      "staging",
			Production:   "production",
			PollInterval: 30 * time.Second,
			MaxWait:      time.Hour,
		},
		Migration: migrate.DefaultConfig(),
		Performance: PerformanceConfig{
			Samples:    5,
			Tolerance:  20,
			ProbeLimit: 20,
		},
		Backup: BackupConfig{
			Window: 24 * time.Hour,
		},
	}
}

// Load reads configuration from configDir, layering config.local.yml over
// config.yml over defaults.
func Load(configDir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, name := range []string{"config.yml", "config.local.yml"} {
		if err := loadFile(filepath.Join(configDir, name), cfg); err != nil {
			return nil, err
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills gaps left by partial config files.
func (c *Config) ApplyDefaults() {
	c.Logging.ApplyDefaults()
	c.Migration.ApplyDefaults()

	def := DefaultConfig()
	if c.Indexes.PollInterval == 0 {
		c.Indexes.PollInterval = def.Indexes.PollInterval
	}
	if c.Indexes.MaxWait == 0 {
		c.Indexes.MaxWait = def.Indexes.MaxWait
	}
	if c.Indexes.Staging == "" {
		c.Indexes.Staging = def.Indexes.Staging
	}
	if c.Indexes.Production == "" {
		c.Indexes.Production = def.Indexes.Production
	}
	if c.Performance.Samples == 0 {
		c.Performance.Samples = def.Performance.Samples
	}
	if c.Performance.Tolerance == 0 {
		c.Performance.Tolerance = def.Performance.Tolerance
	}
	if c.Performance.ProbeLimit == 0 {
		c.Performance.ProbeLimit = def.Performance.ProbeLimit
	}
	if c.Backup.Window == 0 {
		c.Backup.Window = def.Backup.Window
	}
}

// Validate checks the pieces every subcommand depends on.
func (c *Config) Validate() error {
	if c.Environments == "" {
		return errors.New("config: environments file is required")
	}
	if c.Entities == "" {
		return errors.New("config: entities file is required")
	}
	if c.Indexes.File == "" {
		return errors.New("config: indexes file is required")
	}
	return nil
}

func loadFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}
	return nil
}
