package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizardWithIO creates a wizard on the given streams
func NewWizardWithIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	w.println("=== chatguard configuration ===")
	w.println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// Bot Token
	for {
		w.print("Telegram Bot Token: ")
		token, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if token == "" {
			w.println("Error: Bot token is required")
			continue
		}

		if err := validator.ValidateTelegramToken(token); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}

		cfg.Telegram.BotToken = token
		break
	}

	w.println()

	// Dialog backend
	w.println("Dialog session backend:")
	w.println("  memory - sessions live in the bot process (default)")
	w.println("  redis  - sessions survive restarts")
	w.print("Backend [memory]: ")
	backend, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if backend != "" {
		if err := validator.ValidateDialogBackend(backend); err != nil {
			w.printf("Warning: %v, using default (memory)\n", err)
		} else {
			cfg.Dialog.Backend = backend
		}
	}

	if cfg.Dialog.Backend == DialogBackendRedis {
		w.printf("Redis address [%s]: ", cfg.Redis.Addr)
		addr, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if addr != "" {
			cfg.Redis.Addr = addr
		}
	}

	// Manual mute default
	w.printf("Default /mute duration in minutes [%d]: ", cfg.Moderation.ManualMuteMinutes)
	minutes, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if minutes != "" {
		n, err := strconv.Atoi(minutes)
		if err != nil || n <= 0 {
			w.printf("Warning: invalid duration %q, using default (%d)\n", minutes, cfg.Moderation.ManualMuteMinutes)
		} else {
			cfg.Moderation.ManualMuteMinutes = n
		}
	}

	w.println()

	// Log Level
	w.println("Logging:")
	w.print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			w.printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	w.println()
	w.println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) print(s string) {
	fmt.Fprint(w.out, s)
}

func (w *Wizard) printf(format string, args ...interface{}) {
	fmt.Fprintf(w.out, format, args...)
}

func (w *Wizard) println(args ...interface{}) {
	fmt.Fprintln(w.out, args...)
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
