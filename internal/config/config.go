// Package config loads optional user configuration for fox runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the persisted user configuration.
type Config struct {
	Session SessionConfig `yaml:"session"`
	Tools   ToolsConfig   `yaml:"tools"`
	UI      UIConfig      `yaml:"ui"`
	Model   string        `yaml:"model"`
}

// SessionConfig bounds individual agent sessions and the overall loop.
type SessionConfig struct {
	Timeout     Duration `yaml:"timeout"`
	Delay       Duration `yaml:"delay"`
	MaxTurns    int      `yaml:"max_turns"`
	MaxSessions int      `yaml:"max_sessions"` // 0 = unlimited
}

// ToolsConfig lists tools the agent may use.
type ToolsConfig struct {
	Allowed []string `yaml:"allowed"`
}

// UIConfig tunes console rendering.
type UIConfig struct {
	PendingDisplayLimit  int `yaml:"pending_display_limit"`
	DescriptionMaxLength int `yaml:"description_max_length"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Session: SessionConfig{
			Timeout:     Duration(30 * time.Minute),
			Delay:       Duration(3 * time.Second),
			MaxTurns:    1000,
			MaxSessions: 0,
		},
		Tools: ToolsConfig{
			Allowed: []string{"Read", "Write", "Edit", "Glob", "Grep", "Bash"},
		},
		UI: UIConfig{
			PendingDisplayLimit:  10,
			DescriptionMaxLength: 120,
		},
	}
}

// DefaultPath returns the user config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "foxglove", "config.yaml")
}

// Load reads config from path, falling back to defaults when the file does
// not exist. A file that exists but does not parse is an error, never
// silently ignored.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	defaults := Default()
	if cfg.Session.Timeout <= 0 {
		cfg.Session.Timeout = defaults.Session.Timeout
	}
	if cfg.Session.Delay <= 0 {
		cfg.Session.Delay = defaults.Session.Delay
	}
	if cfg.Session.MaxTurns <= 0 {
		cfg.Session.MaxTurns = defaults.Session.MaxTurns
	}
	if cfg.Session.MaxSessions < 0 {
		cfg.Session.MaxSessions = 0
	}
	if len(cfg.Tools.Allowed) == 0 {
		cfg.Tools.Allowed = defaults.Tools.Allowed
	}
	if cfg.UI.PendingDisplayLimit <= 0 {
		cfg.UI.PendingDisplayLimit = defaults.UI.PendingDisplayLimit
	}
	if cfg.UI.DescriptionMaxLength <= 0 {
		cfg.UI.DescriptionMaxLength = defaults.UI.DescriptionMaxLength
	}
}
