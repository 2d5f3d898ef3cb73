package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	return cfg
}

func TestDefaultConfigNeedsToken(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to fail without a token")
	}

	cfg.Discord.Token = "abc"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults plus token to be valid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"empty prefix", func(c *Config) { c.Discord.Prefix = " " }, true},
		{"debug without debug prefix", func(c *Config) { c.Discord.Debug = true; c.Discord.DebugPrefix = "" }, true},
		{"zero playlist cap", func(c *Config) { c.Playback.PlaylistCap = 0 }, true},
		{"zero page size", func(c *Config) { c.Playback.PageSize = 0 }, true},
		{"zero resolve timeout", func(c *Config) { c.Playback.ResolveTimeout = Duration{} }, true},
		{"negative idle timeout", func(c *Config) { c.Playback.IdleTimeout = Duration{-time.Second} }, true},
		{"no schemes", func(c *Config) { c.Resolver.AllowedSchemes = nil }, true},
		{"ngrok without server", func(c *Config) { c.Ngrok.Enabled = true }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Errorf("Validate() expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestCommandPrefix(t *testing.T) {
	cfg := validConfig()
	if got := cfg.CommandPrefix(); got != "!" {
		t.Errorf("CommandPrefix() = %q, want %q", got, "!")
	}
	cfg.Discord.Debug = true
	if got := cfg.CommandPrefix(); got != "~" {
		t.Errorf("CommandPrefix() in debug = %q, want %q", got, "~")
	}
}

func TestLoadConfigRoundTripAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := validConfig()
	cfg.Playback.PlaylistCap = 25
	cfg.Playback.IdleTimeout = Duration{90 * time.Second}
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	t.Setenv("ENCORE_PREFIX", "$")

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Playback.PlaylistCap != 25 {
		t.Errorf("PlaylistCap = %d, want 25", loaded.Playback.PlaylistCap)
	}
	if loaded.Playback.IdleTimeout.Duration != 90*time.Second {
		t.Errorf("IdleTimeout = %v, want 90s", loaded.Playback.IdleTimeout)
	}
	if loaded.Discord.Prefix != "$" {
		t.Errorf("Prefix = %q, want env override %q", loaded.Discord.Prefix, "$")
	}
}

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	t.Setenv("DISCORD_TOKEN", "from-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Discord.Token != "from-env" {
		t.Errorf("Token = %q, want %q", cfg.Discord.Token, "from-env")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected default config file to be written: %v", err)
	}
}

func TestIsSchemeAllowed(t *testing.T) {
	cfg := validConfig()
	if !cfg.IsSchemeAllowed("HTTPS") {
		t.Error("expected https to be allowed")
	}
	if cfg.IsSchemeAllowed("ftp") {
		t.Error("expected ftp to be rejected")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	cfg := validConfig()
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	go Watch(ctx, path, logrus.NewEntry(logger), func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	cfg.Playback.PlaylistCap = 7
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	select {
	case c := <-reloaded:
		if c.Playback.PlaylistCap != 7 {
			t.Errorf("reloaded PlaylistCap = %d, want 7", c.Playback.PlaylistCap)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
