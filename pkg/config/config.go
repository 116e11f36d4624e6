// Package config loads and validates jobctl's runner configuration: the
// scheduling/log-cap knobs of runner.* and the closed script registry.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the full, immutable-after-load application configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Logging LoggingConfig  `yaml:"logging"`
	Runner  RunnerConfig   `yaml:"runner"`
	Scripts []ScriptConfig `yaml:"scripts"`
}

// ServerConfig configures the HTTP adapter (internal/httpapi).
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig configures pkg/logger's global level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RunnerConfig holds the runner.* keys from §6.2 of the spec.
type RunnerConfig struct {
	MaxConcurrent         int    `yaml:"maxConcurrent"`
	DefaultMode           string `yaml:"defaultMode"`
	MaxLogBytesPerStream  int64  `yaml:"maxLogBytesPerStream"`
	PreviewMaxBytes       int    `yaml:"previewMaxBytes"`
	JobStoreFile          string `yaml:"jobStoreFile"`
	LogsDir               string `yaml:"logsDir"`
}

// ArgsConstraint bounds the argument vector a script may be invoked with.
type ArgsConstraint struct {
	MaxItems      int    `yaml:"maxItems"`
	ItemPattern   string `yaml:"itemPattern"`
	ItemMaxLength int    `yaml:"itemMaxLength"`
}

// ScriptConfig is one script registry entry as loaded from YAML.
type ScriptConfig struct {
	ID         string         `yaml:"id"`
	Path       string         `yaml:"path"`
	Mode       string         `yaml:"mode"`
	TimeoutSec int            `yaml:"timeoutSec"`
	Args       ArgsConstraint `yaml:"args"`
}

// DefaultConfig mirrors the teacher's convention of a safe built-in default
// rather than requiring a config file to run at all.
var DefaultConfig = Config{
	Server: ServerConfig{
		Address: "127.0.0.1:8080",
	},
	Logging: LoggingConfig{
		Level: "INFO",
	},
	Runner: RunnerConfig{
		MaxConcurrent:        4,
		DefaultMode:          "sync",
		MaxLogBytesPerStream: 1 << 20, // 1MiB
		PreviewMaxBytes:      4096,
		JobStoreFile:         "./data/jobs.json",
		LogsDir:              "./data/logs",
	},
}

// Load searches, in order, $JOBCTL_CONFIG_PATH, ./config/jobctl.yml, and
// /etc/jobctl/jobctl.yml, falling back to DefaultConfig (with no scripts
// registered) if none exist. It returns the loaded config, the path it was
// read from ("built-in defaults (no config file found)" if none), and any
// error.
func Load() (*Config, string, error) {
	cfg := DefaultConfig
	cfg.Scripts = nil

	path, err := loadFromFile(&cfg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, path, nil
}

// LoadFile loads and validates a single config file by path, without the
// search-path fallback behavior of Load. Used by the validate-config
// subcommand, where the caller names an explicit file.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig
	cfg.Scripts = nil

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func loadFromFile(cfg *Config) (string, error) {
	paths := []string{
		os.Getenv("JOBCTL_CONFIG_PATH"),
		"./config/jobctl.yml",
		"/etc/jobctl/jobctl.yml",
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return path, nil
	}
	return "built-in defaults (no config file found)", nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JOBCTL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("JOBCTL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
}

// Validate rejects a configuration that would make the runner's invariants
// impossible to uphold: a non-positive concurrency ceiling, an unknown
// default mode, duplicate script IDs, or a script whose itemPattern does not
// compile.
func (c *Config) Validate() error {
	if c.Runner.MaxConcurrent <= 0 {
		return fmt.Errorf("runner.maxConcurrent must be > 0, got %d", c.Runner.MaxConcurrent)
	}
	if c.Runner.DefaultMode != "sync" && c.Runner.DefaultMode != "async" {
		return fmt.Errorf("runner.defaultMode must be sync or async, got %q", c.Runner.DefaultMode)
	}
	if c.Runner.MaxLogBytesPerStream < 0 {
		return fmt.Errorf("runner.maxLogBytesPerStream must be >= 0, got %d", c.Runner.MaxLogBytesPerStream)
	}
	if c.Runner.PreviewMaxBytes < 0 {
		return fmt.Errorf("runner.previewMaxBytes must be >= 0, got %d", c.Runner.PreviewMaxBytes)
	}
	if c.Runner.JobStoreFile == "" {
		return fmt.Errorf("runner.jobStoreFile must be set")
	}
	if c.Runner.LogsDir == "" {
		return fmt.Errorf("runner.logsDir must be set")
	}

	seen := make(map[string]bool, len(c.Scripts))
	for i, s := range c.Scripts {
		if s.ID == "" {
			return fmt.Errorf("scripts[%d]: id must be set", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("scripts[%d]: duplicate script id %q", i, s.ID)
		}
		seen[s.ID] = true

		if s.Path == "" {
			return fmt.Errorf("script %q: path must be set", s.ID)
		}
		if s.Mode != "" && s.Mode != "sync" && s.Mode != "async" {
			return fmt.Errorf("script %q: mode must be sync or async, got %q", s.ID, s.Mode)
		}
		if s.TimeoutSec < 0 {
			return fmt.Errorf("script %q: timeoutSec must be >= 0, got %d", s.ID, s.TimeoutSec)
		}
		if s.Args.MaxItems < 0 {
			return fmt.Errorf("script %q: args.maxItems must be >= 0, got %d", s.ID, s.Args.MaxItems)
		}
		if s.Args.ItemMaxLength < 0 {
			return fmt.Errorf("script %q: args.itemMaxLength must be >= 0, got %d", s.ID, s.Args.ItemMaxLength)
		}
		if s.Args.ItemPattern != "" {
			if _, err := regexp.Compile(s.Args.ItemPattern); err != nil {
				return fmt.Errorf("script %q: args.itemPattern %q does not compile: %w", s.ID, s.Args.ItemPattern, err)
			}
		}
	}
	return nil
}

// EnsureDirs creates the directories the runner needs (logsDir, and the
// parent of jobStoreFile) if they do not already exist.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.Runner.LogsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logsDir %s: %w", c.Runner.LogsDir, err)
	}
	if dir := filepath.Dir(c.Runner.JobStoreFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create jobStoreFile dir %s: %w", dir, err)
		}
	}
	return nil
}
