package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the application configuration parsed from patchpilot.yaml.
type Config struct {
	// DataDir holds the registry database, artifact blobs, working copies,
	// and snapshots. Defaults to ~/.patchpilot.
	DataDir string `yaml:"data_dir"`
	// DBPath overrides the registry database location. Defaults to
	// <data_dir>/patchpilot.db.
	DBPath string `yaml:"db_path"`
	Listen string `yaml:"listen"`

	Workers        int `yaml:"workers"`
	MaxRegenerates int `yaml:"max_regenerates"`
	ContextDocs    int `yaml:"context_docs"`

	// Timeouts are duration strings ("90s", "5m").
	CheckTimeout string `yaml:"check_timeout"`
	SmokeTimeout string `yaml:"smoke_timeout"`

	Model ModelConfig `yaml:"model"`
}

// ModelConfig points at the Ollama-compatible endpoint used by the model
// patcher strategy.
type ModelConfig struct {
	Endpoint string `yaml:"endpoint"`
	Name     string `yaml:"name"`
}

// ArtifactsDir returns where artifact blobs live.
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

// CheckTimeoutDuration returns the parsed check timeout.
func (c *Config) CheckTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.CheckTimeout)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

// SmokeTimeoutDuration returns the parsed smoke-test timeout.
func (c *Config) SmokeTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.SmokeTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".patchpilot")
		} else {
			cfg.DataDir = ".patchpilot"
		}
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "patchpilot.db")
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.MaxRegenerates == 0 {
		cfg.MaxRegenerates = 3
	}
	if cfg.ContextDocs == 0 {
		cfg.ContextDocs = 5
	}
	if cfg.CheckTimeout == "" {
		cfg.CheckTimeout = "2m"
	}
	if cfg.SmokeTimeout == "" {
		cfg.SmokeTimeout = "30s"
	}
	if cfg.Model.Endpoint == "" {
		cfg.Model.Endpoint = "http://localhost:11434"
	}
	if cfg.Model.Name == "" {
		cfg.Model.Name = "qwen2.5-coder"
	}
}
