package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/chatguard/pkg/dialog"
	"github.com/harun/chatguard/pkg/events"
)

// Dialog session backends.
const (
	DialogBackendMemory = "memory"
	DialogBackendRedis  = "redis"
)

// Config represents the main chatguard configuration
type Config struct {
	// Telegram
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// Storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Moderation defaults for direct admin commands
	Moderation ModerationConfig `json:"moderation" mapstructure:"moderation"`

	// Dialog session handling
	Dialog DialogConfig `json:"dialog" mapstructure:"dialog"`

	// Redis, used when dialog.backend is redis
	Redis RedisConfig `json:"redis" mapstructure:"redis"`

	// Violation events
	Events EventsConfig `json:"events" mapstructure:"events"`

	// Prometheus endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	BotToken    string `json:"bot_token" mapstructure:"bot_token"`
	PollTimeout int    `json:"poll_timeout" mapstructure:"poll_timeout"` // seconds
}

// StorageConfig holds the SQLite database location
type StorageConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// ModerationConfig holds moderation defaults
type ModerationConfig struct {
	ManualMuteMinutes int `json:"manual_mute_minutes" mapstructure:"manual_mute_minutes"`
}

// DialogConfig holds configuration dialog settings
type DialogConfig struct {
	Backend            string `json:"backend" mapstructure:"backend"`                           // memory, redis
	IdleTimeoutSeconds int    `json:"idle_timeout_seconds" mapstructure:"idle_timeout_seconds"` // 0 keeps sessions forever
	SweepSchedule      string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// IdleTimeout returns the idle timeout as a duration
func (d DialogConfig) IdleTimeout() time.Duration {
	return time.Duration(d.IdleTimeoutSeconds) * time.Second
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr      string `json:"addr" mapstructure:"addr"`
	Password  string `json:"password" mapstructure:"password"`
	DB        int    `json:"db" mapstructure:"db"`
	KeyPrefix string `json:"key_prefix" mapstructure:"key_prefix"`
}

// EventsConfig holds NATS publishing settings
type EventsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	NATSURL string `json:"nats_url" mapstructure:"nats_url"`
	Subject string `json:"subject" mapstructure:"subject"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// Addr returns host:port
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level          string   `json:"level" mapstructure:"level"`
	File           string   `json:"file" mapstructure:"file"`
	MaxSize        int      `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge         int      `json:"max_age" mapstructure:"max_age"`   // days
	Compress       bool     `json:"compress" mapstructure:"compress"`
	Redaction      bool     `json:"redaction" mapstructure:"redaction"`
	RedactPatterns []string `json:"redact_patterns,omitempty" mapstructure:"redact_patterns"`
	AuditFile      string   `json:"audit_file" mapstructure:"audit_file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			PollTimeout: 60,
		},
		Moderation: ModerationConfig{
			ManualMuteMinutes: 60,
		},
		Dialog: DialogConfig{
			Backend:       DialogBackendMemory,
			SweepSchedule: dialog.DefaultSweepSchedule,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: dialog.DefaultKeyPrefix,
		},
		Events: EventsConfig{
			Enabled: false,
			NATSURL: "nats://127.0.0.1:4222",
			Subject: events.DefaultSubject,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9464,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks that the daemon can start with this configuration
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token is required")
	}

	switch c.Dialog.Backend {
	case "", DialogBackendMemory:
	case DialogBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when dialog backend is redis")
		}
	default:
		return fmt.Errorf("invalid dialog backend: %s", c.Dialog.Backend)
	}

	if c.Events.Enabled && c.Events.NATSURL == "" {
		return fmt.Errorf("nats_url is required when events are enabled")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	return nil
}
