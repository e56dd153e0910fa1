package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models traceline.yml.
type Config struct {
	Resolution struct {
		// FallbackRecent enables attributing hint-less events to the most
		// recently active session. Best effort, not a correctness guarantee.
		FallbackRecent bool `yaml:"fallback_recent"`
		// ReapIdleAfter ends active sessions with no activity for this long.
		// Zero disables timeout-based reaping.
		ReapIdleAfter time.Duration `yaml:"reap_idle_after"`
	} `yaml:"resolution"`
	Feed struct {
		// Buffer is the per-subscriber queue size; oldest notifications are
		// dropped when a consumer falls this far behind.
		Buffer int `yaml:"buffer"`
		// PollInterval is how often the projector drains the change feed.
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"feed"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Feed.Buffer < 0 {
		return fmt.Errorf("config.feed.buffer must not be negative")
	}
	if c.Feed.PollInterval < 0 {
		return fmt.Errorf("config.feed.poll_interval must not be negative")
	}
	if c.Resolution.ReapIdleAfter < 0 {
		return fmt.Errorf("config.resolution.reap_idle_after must not be negative")
	}
	return nil
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Resolution.FallbackRecent = true
	cfg.Resolution.ReapIdleAfter = 0
	cfg.Feed.Buffer = 256
	cfg.Feed.PollInterval = 250 * time.Millisecond
	return &cfg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "traceline.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
