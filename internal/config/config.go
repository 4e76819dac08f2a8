// Package config loads and saves selfpatch configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all selfpatch configuration.
type Config struct {
	// StateDir is the storage root for the audit log, state snapshot,
	// proposal log and quarantine registry.
	StateDir string `yaml:"state_dir"`

	// WorkRoots are the directories the pipeline may edit files under.
	WorkRoots []string `yaml:"work_roots"`

	Cycle    CycleConfig    `yaml:"cycle"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	LLM      LLMConfig      `yaml:"llm"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// CycleConfig tunes the orchestrator.
type CycleConfig struct {
	ApprovalThreshold float64 `yaml:"approval_threshold"`
	IdleInterval      string  `yaml:"idle_interval"`
	DrainTimeout      string  `yaml:"drain_timeout"`
	QuarantineTTL     string  `yaml:"quarantine_ttl"`
	Workers           int     `yaml:"workers"`
}

// PipelineConfig tunes the transformation pipeline.
type PipelineConfig struct {
	CachePath   string `yaml:"cache_path"`
	DefaultPath string `yaml:"default_path"`
	TestTimeout string `yaml:"test_timeout"`
	TestTarget  string `yaml:"test_target"`
}

// LLMConfig configures the optional parse-phase language model.
type LLMConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// MetricsConfig points at the metrics source.
type MetricsConfig struct {
	File string `yaml:"file"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		StateDir:  ".selfpatch",
		WorkRoots: []string{"."},
		Cycle: CycleConfig{
			ApprovalThreshold: 0.70,
			IdleInterval:      "5m",
			DrainTimeout:      "30s",
			QuarantineTTL:     "24h",
			Workers:           1,
		},
		Pipeline: PipelineConfig{
			CachePath:   ".selfpatch/specs.db",
			TestTimeout: "5m",
		},
		LLM: LLMConfig{
			Model: "gemini-2.0-flash",
		},
		Metrics: MetricsConfig{
			File: ".selfpatch/metrics.json",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML, creating the directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if dir := os.Getenv("SELFPATCH_STATE_DIR"); dir != "" {
		c.StateDir = dir
	}
	if level := os.Getenv("SELFPATCH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
