package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/harun/chatguard/pkg/dialog"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}

	// Telegram bot tokens have format: <bot_id>:<token>
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}

	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateDialogBackend validates the dialog session backend
func (v *Validator) ValidateDialogBackend(backend string) error {
	switch backend {
	case "", DialogBackendMemory, DialogBackendRedis:
		return nil
	}
	return fmt.Errorf("invalid dialog backend: %s (must be one of: %s, %s)", backend, DialogBackendMemory, DialogBackendRedis)
}

// ValidateSchedule validates a five-field cron expression
func (v *Validator) ValidateSchedule(expr string) error {
	if expr == "" {
		return nil // Use default
	}
	if _, err := dialog.ParseSchedule(expr); err != nil {
		return fmt.Errorf("invalid dialog sweep_schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if cfg.Telegram.BotToken != "" {
		if err := v.ValidateTelegramToken(cfg.Telegram.BotToken); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Telegram.PollTimeout < 0 {
		errors = append(errors, fmt.Errorf("telegram poll_timeout must be >= 0"))
	}

	if cfg.Moderation.ManualMuteMinutes < 0 {
		errors = append(errors, fmt.Errorf("moderation manual_mute_minutes must be >= 0"))
	}

	if err := v.ValidateDialogBackend(cfg.Dialog.Backend); err != nil {
		errors = append(errors, err)
	}
	if cfg.Dialog.IdleTimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("dialog idle_timeout_seconds must be >= 0"))
	}
	if err := v.ValidateSchedule(cfg.Dialog.SweepSchedule); err != nil {
		errors = append(errors, err)
	}

	if cfg.Redis.DB < 0 {
		errors = append(errors, fmt.Errorf("redis db must be >= 0"))
	}

	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		errors = append(errors, fmt.Errorf("metrics port out of range: %d", cfg.Metrics.Port))
	}

	if cfg.Logging.MaxSize < 0 {
		errors = append(errors, fmt.Errorf("logging max_size must be >= 0"))
	}
	if cfg.Logging.MaxAge < 0 {
		errors = append(errors, fmt.Errorf("logging max_age must be >= 0"))
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
