package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models storyvote.yml.
type Config struct {
	Game struct {
		RoundDuration int    `yaml:"round_duration"`
		Accelerated   bool   `yaml:"accelerated"`
		MinimumVotes  int    `yaml:"minimum_votes"`
		TieBreak      string `yaml:"tie_break"`
	} `yaml:"game"`
	Tally struct {
		FetchAttempts int `yaml:"fetch_attempts"`
	} `yaml:"tally"`
	Firing struct {
		Attempts          int `yaml:"attempts"`
		RetryDelaySeconds int `yaml:"retry_delay_seconds"`
	} `yaml:"firing"`
	Platform struct {
		BaseURL        string `yaml:"base_url"`
		Board          string `yaml:"board"`
		Token          string `yaml:"token,omitempty"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"platform"`
}

const (
	TieBreakFirst  = "first"
	TieBreakRandom = "random"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sv init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Game.RoundDuration <= 0 {
		return fmt.Errorf("config.game.round_duration must be positive")
	}
	if c.Game.MinimumVotes < 0 {
		return fmt.Errorf("config.game.minimum_votes must not be negative")
	}
	switch c.Game.TieBreak {
	case TieBreakFirst, TieBreakRandom:
	default:
		return fmt.Errorf("config.game.tie_break must be %q or %q", TieBreakFirst, TieBreakRandom)
	}
	if c.Tally.FetchAttempts <= 0 {
		return fmt.Errorf("config.tally.fetch_attempts must be positive")
	}
	if c.Firing.Attempts <= 0 {
		return fmt.Errorf("config.firing.attempts must be positive")
	}
	if c.Firing.RetryDelaySeconds < 0 {
		return fmt.Errorf("config.firing.retry_delay_seconds must not be negative")
	}
	if c.Platform.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.platform.timeout_seconds must be positive")
	}
	return nil
}

// RetryDelay returns the fixed delay between firing attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Firing.RetryDelaySeconds) * time.Second
}

// PlatformTimeout returns the per-call timeout for external platform requests.
func (c *Config) PlatformTimeout() time.Duration {
	return time.Duration(c.Platform.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "storyvote.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `game:
  # Hours per round; minutes instead when accelerated is true.
  round_duration: 24
  accelerated: false

  # Choices below this score are ignored when picking a winner.
  minimum_votes: 0

  # first = deterministic (current node's choice order), random = fair coin.
  tie_break: first

tally:
  # Per-reference score fetch attempts, with 2^(attempt-1)s backoff between.
  fetch_attempts: 3

firing:
  # Whole-sequence retries for a round advancement and the fixed delay between.
  attempts: 3
  retry_delay_seconds: 5

platform:
  # External host where rounds are published and votes are scored.
  base_url: ""
  board: ""
  timeout_seconds: 10
`
