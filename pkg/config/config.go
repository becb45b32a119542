// Package config loads pilot's user configuration and resolves where its
// state lives on disk.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the $PILOT_HOME/config.yaml structure.
type Config struct {
	// Executable is the agent CLI to launch.
	Executable string `yaml:"executable"`
	// Model is passed as --model when set.
	Model string `yaml:"model,omitempty"`
	// YOLO skips the permission handshake entirely.
	YOLO bool `yaml:"yolo,omitempty"`
	// Plan and Thinking are the default turn mode.
	Plan     bool   `yaml:"plan,omitempty"`
	Thinking string `yaml:"thinking,omitempty"`

	PermissionTimeout time.Duration `yaml:"permission_timeout"`
	KillGrace         time.Duration `yaml:"kill_grace"`

	// PricingFile overrides the built-in per-model prices.
	PricingFile string `yaml:"pricing_file,omitempty"`
	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Executable:        "claude",
		PermissionTimeout: 30 * time.Second,
		KillGrace:         2 * time.Second,
	}
}

// Load reads path over the defaults, then applies PILOT_CLAUDE_PATH and
// PILOT_MODEL. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // user-controlled config path
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("PILOT_CLAUDE_PATH"); v != "" {
		cfg.Executable = v
	}
	if v := os.Getenv("PILOT_MODEL"); v != "" {
		cfg.Model = v
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Executable == "" {
		return errors.New("config: executable must not be empty")
	}
	if c.PermissionTimeout <= 0 {
		return fmt.Errorf("config: permission_timeout must be positive, got %v", c.PermissionTimeout)
	}
	if c.KillGrace <= 0 {
		return fmt.Errorf("config: kill_grace must be positive, got %v", c.KillGrace)
	}
	return nil
}

// YAML renders c as a config file.
func (c Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
