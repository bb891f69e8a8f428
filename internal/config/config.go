package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all daemon configuration
type Config struct {
	General  GeneralConfig  `toml:"general"`
	Agents   AgentsConfig   `toml:"agents"`
	Workers  WorkersConfig  `toml:"workers"`
	Approval ApprovalConfig `toml:"approval"`
	Web      WebConfig      `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	Timezone     string `toml:"timezone"`
	ProjectID    string `toml:"project_id"`
}

// AgentsConfig holds per-agent invocation settings
type AgentsConfig struct {
	DefaultMaxAttempts int `toml:"default_max_attempts"`
	// ExecMode maps an agent name to its execution mode ("subprocess",
	// "inline"). Unlisted agents use subprocess.
	ExecMode map[string]string `toml:"exec_mode"`
}

// WorkersConfig holds background worker cadences in milliseconds
type WorkersConfig struct {
	NotifyIntervalMS  int `toml:"notify_interval_ms"`
	ChronosIntervalMS int `toml:"chronos_interval_ms"`
}

// ApprovalConfig holds approval gate settings
type ApprovalConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// WebConfig holds the HTTP listener settings for websocket and metrics
type WebConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".famulus", "famulus.db"),
			Timezone:     "UTC",
			ProjectID:    "default",
		},
		Agents: AgentsConfig{
			DefaultMaxAttempts: 3,
			ExecMode:           map[string]string{},
		},
		Workers: WorkersConfig{
			NotifyIntervalMS:  1200,
			ChronosIntervalMS: 30000,
		},
		Approval: ApprovalConfig{
			TimeoutSeconds: 600,
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8321,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the workers cannot operate with.
func (c *Config) Validate() error {
	if c.Workers.NotifyIntervalMS <= 0 {
		return fmt.Errorf("workers.notify_interval_ms must be positive")
	}
	if c.Workers.ChronosIntervalMS <= 0 {
		return fmt.Errorf("workers.chronos_interval_ms must be positive")
	}
	if c.Approval.TimeoutSeconds <= 0 {
		return fmt.Errorf("approval.timeout_seconds must be positive")
	}
	if _, err := time.LoadLocation(c.General.Timezone); err != nil {
		return fmt.Errorf("general.timezone: %w", err)
	}
	return nil
}

// NotifyInterval returns the notifier poll cadence.
func (c *Config) NotifyInterval() time.Duration {
	return time.Duration(c.Workers.NotifyIntervalMS) * time.Millisecond
}

// ChronosInterval returns the scheduler poll cadence.
func (c *Config) ChronosInterval() time.Duration {
	return time.Duration(c.Workers.ChronosIntervalMS) * time.Millisecond
}

// ApprovalTimeout returns how long an approval request may stay pending.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutSeconds) * time.Second
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "famulus", "config.toml")
}
