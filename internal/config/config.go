package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Discord  DiscordConfig  `toml:"discord"`
	Playback PlaybackConfig `toml:"playback"`
	Resolver ResolverConfig `toml:"resolver"`
	Voice    VoiceConfig    `toml:"voice"`
	Database DatabaseConfig `toml:"database"`
	Server   ServerConfig   `toml:"server"`
	Ngrok    NgrokConfig    `toml:"ngrok"`
	Logging  LoggingConfig  `toml:"logging"`
}

// DiscordConfig contains bot credentials and command prefixes
type DiscordConfig struct {
	Token       string `toml:"token" env:"DISCORD_TOKEN"`
	Prefix      string `toml:"prefix" env:"ENCORE_PREFIX"`
	Debug       bool   `toml:"debug" env:"ENCORE_DEBUG"`
	DebugPrefix string `toml:"debug_prefix"`
	Presence    bool   `toml:"presence"`
}

// PlaybackConfig contains queue and session tuning
type PlaybackConfig struct {
	PlaylistCap       int      `toml:"playlist_cap"`
	PageSize          int      `toml:"page_size"`
	IdleTimeout       Duration `toml:"idle_timeout"`
	ResolveTimeout    Duration `toml:"resolve_timeout"`
	MaxConcurrentLoad int      `toml:"max_concurrent_resolves"`
	Prefetch          bool     `toml:"prefetch"`
}

// ResolverConfig contains media resolution configuration
type ResolverConfig struct {
	AllowedSchemes   []string `toml:"allowed_schemes"`
	LibraryPath      string   `toml:"library_path" env:"ENCORE_LIBRARY_PATH"`
	SupportedFormats []string `toml:"supported_formats"`
	CacheTTL         Duration `toml:"cache_ttl"`
}

// VoiceConfig contains audio transport configuration
type VoiceConfig struct {
	FFmpegPath string `toml:"ffmpeg_path" env:"ENCORE_FFMPEG"`
	Bitrate    int    `toml:"bitrate"`
}

// DatabaseConfig contains play history storage configuration
type DatabaseConfig struct {
	Path string `toml:"path" env:"ENCORE_DB_PATH"`
}

// ServerConfig contains the status endpoint configuration
type ServerConfig struct {
	Enabled     bool   `toml:"enabled"`
	Port        string `toml:"port" env:"ENCORE_STATUS_PORT"`
	Host        string `toml:"host"`
	ReadTimeout int    `toml:"read_timeout_seconds"`
	EnableCORS  bool   `toml:"enable_cors"`
}

// NgrokConfig contains ngrok tunnel configuration
type NgrokConfig struct {
	Enabled   bool   `toml:"enabled"`
	AuthToken string `toml:"auth_token" env:"NGROK_AUTHTOKEN"`
	Domain    string `toml:"domain"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `toml:"level" env:"ENCORE_LOG_LEVEL"`
	Format string `toml:"format"`
	File   string `toml:"file"`

	RequestLogging bool `toml:"request_logging"`
}

// Duration wraps time.Duration so it can be written as "30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Discord: DiscordConfig{
			Prefix:      "!",
			DebugPrefix: "~",
			Presence:    true,
		},
		Playback: PlaybackConfig{
			PlaylistCap:       50,
			PageSize:          10,
			IdleTimeout:       Duration{5 * time.Minute},
			ResolveTimeout:    Duration{30 * time.Second},
			MaxConcurrentLoad: 3,
			Prefetch:          true,
		},
		Resolver: ResolverConfig{
			AllowedSchemes:   []string{"http", "https", "file"},
			LibraryPath:      "./music",
			SupportedFormats: []string{".flac", ".mp3", ".wav"},
			CacheTTL:         Duration{15 * time.Minute},
		},
		Voice: VoiceConfig{
			FFmpegPath: "ffmpeg",
			Bitrate:    64000,
		},
		Database: DatabaseConfig{
			Path: "./encore.db",
		},
		Server: ServerConfig{
			Enabled:     false,
			Port:        "8090",
			Host:        "127.0.0.1",
			ReadTimeout: 30,
		},
		Ngrok: NgrokConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "",

			RequestLogging: true,
		},
	}
}

// LoadConfig loads configuration from a TOML file, then applies .env and
// environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
	} else if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Load .env file if it exists (for the bot token)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	header := `# Encore Configuration
# The bot token is best supplied through DISCORD_TOKEN (environment or .env).

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Discord.Token == "" {
		return fmt.Errorf("discord token cannot be empty (set DISCORD_TOKEN)")
	}
	if strings.TrimSpace(c.Discord.Prefix) == "" {
		return fmt.Errorf("command prefix cannot be empty")
	}
	if c.Discord.Debug && strings.TrimSpace(c.Discord.DebugPrefix) == "" {
		return fmt.Errorf("debug prefix cannot be empty when debug is enabled")
	}

	if c.Playback.PlaylistCap < 1 {
		return fmt.Errorf("playlist cap must be at least 1")
	}
	if c.Playback.PageSize < 1 {
		return fmt.Errorf("queue page size must be at least 1")
	}
	if c.Playback.ResolveTimeout.Duration <= 0 {
		return fmt.Errorf("resolve timeout must be positive")
	}
	if c.Playback.IdleTimeout.Duration < 0 {
		return fmt.Errorf("idle timeout cannot be negative")
	}
	if c.Playback.MaxConcurrentLoad < 1 {
		return fmt.Errorf("max concurrent resolves must be at least 1")
	}

	if len(c.Resolver.AllowedSchemes) == 0 {
		return fmt.Errorf("at least one URL scheme must be allowed")
	}

	if c.Voice.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg path cannot be empty")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.Server.Enabled && c.Server.Port == "" {
		return fmt.Errorf("status server port cannot be empty")
	}
	if c.Ngrok.Enabled && !c.Server.Enabled {
		return fmt.Errorf("ngrok tunnel requires the status server to be enabled")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// CommandPrefix returns the prefix commands must start with
func (c *Config) CommandPrefix() string {
	if c.Discord.Debug {
		return c.Discord.DebugPrefix
	}
	return c.Discord.Prefix
}

// GetAddress returns the full status server address
func (c *Config) GetAddress() string {
	return c.Server.Host + ":" + c.Server.Port
}

// IsSchemeAllowed checks if a URL scheme may be queued
func (c *Config) IsSchemeAllowed(scheme string) bool {
	for _, allowed := range c.Resolver.AllowedSchemes {
		if strings.EqualFold(allowed, scheme) {
			return true
		}
	}
	return false
}
