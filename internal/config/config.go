package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	APIAddr   string `envconfig:"API_ADDR" default:":8080"`
	AdminAddr string `envconfig:"ADMIN_ADDR" default:"localhost:8081"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	DefaultChannel      string        `envconfig:"DEFAULT_CHANNEL" default:"general"`
	HistoryMax          int64         `envconfig:"HISTORY_MAX" default:"1000"`
	HistoryTTL          time.Duration `envconfig:"HISTORY_TTL" default:"720h"`
	HistoryDefaultLimit int64         `envconfig:"HISTORY_DEFAULT_LIMIT" default:"50"`

	PresenceOnlineTTL  time.Duration `envconfig:"PRESENCE_ONLINE_TTL" default:"1h"`
	PresenceOfflineTTL time.Duration `envconfig:"PRESENCE_OFFLINE_TTL" default:"24h"`
	ChannelMembersTTL  time.Duration `envconfig:"CHANNEL_MEMBERS_TTL" default:"1h"`
	TypingTTL          time.Duration `envconfig:"TYPING_TTL" default:"10s"`
	ReapInterval       time.Duration `envconfig:"REAP_INTERVAL" default:"5m"`

	SendBuffer      int           `envconfig:"SEND_BUFFER" default:"64"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	PongTimeout     time.Duration `envconfig:"PONG_TIMEOUT" default:"60s"`
	MaxFrameBytes   int64         `envconfig:"MAX_FRAME_BYTES" default:"65536"`
	SanitizeContent bool          `envconfig:"SANITIZE_CONTENT" default:"false"`

	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"text"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}

	if c.DefaultChannel == "" {
		return fmt.Errorf("DEFAULT_CHANNEL must not be empty")
	}

	if c.HistoryMax <= 0 {
		return fmt.Errorf("HISTORY_MAX must be greater than 0")
	}

	if c.HistoryDefaultLimit <= 0 {
		return fmt.Errorf("HISTORY_DEFAULT_LIMIT must be greater than 0")
	}

	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be greater than 0")
	}

	durations := map[string]time.Duration{
		"HISTORY_TTL":          c.HistoryTTL,
		"PRESENCE_ONLINE_TTL":  c.PresenceOnlineTTL,
		"PRESENCE_OFFLINE_TTL": c.PresenceOfflineTTL,
		"CHANNEL_MEMBERS_TTL":  c.ChannelMembersTTL,
		"TYPING_TTL":           c.TypingTTL,
		"REAP_INTERVAL":        c.ReapInterval,
		"WRITE_TIMEOUT":        c.WriteTimeout,
		"PONG_TIMEOUT":         c.PongTimeout,
		"SHUTDOWN_TIMEOUT":     c.ShutdownTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}

	if _, err := c.SlogLevel(); err != nil {
		return err
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}

	return nil
}

// SlogLevel maps LOG_LEVEL onto a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL is invalid: %w", err)
	}
	return level, nil
}
