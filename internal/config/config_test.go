package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"storyvote/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Game.RoundDuration <= 0 {
		t.Fatalf("round duration = %d", cfg.Game.RoundDuration)
	}
	if cfg.Game.TieBreak != config.TieBreakFirst {
		t.Fatalf("tie break = %q", cfg.Game.TieBreak)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero round duration", func(c *config.Config) { c.Game.RoundDuration = 0 }},
		{"negative minimum votes", func(c *config.Config) { c.Game.MinimumVotes = -1 }},
		{"unknown tie break", func(c *config.Config) { c.Game.TieBreak = "coin-flip" }},
		{"zero fetch attempts", func(c *config.Config) { c.Tally.FetchAttempts = 0 }},
		{"zero firing attempts", func(c *config.Config) { c.Firing.Attempts = 0 }},
		{"negative retry delay", func(c *config.Config) { c.Firing.RetryDelaySeconds = -1 }},
		{"zero platform timeout", func(c *config.Config) { c.Platform.TimeoutSeconds = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "storyvote.yml"), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config invalid: %v", err)
	}
	if cfg.RetryDelay() != time.Duration(cfg.Firing.RetryDelaySeconds)*time.Second {
		t.Fatalf("retry delay = %v", cfg.RetryDelay())
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := config.LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config for missing file")
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := config.Load(t.TempDir()); err == nil {
		t.Fatalf("expected error for missing config")
	}
}
