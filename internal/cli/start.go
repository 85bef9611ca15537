package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/chatguard/internal/config"
	"github.com/harun/chatguard/internal/daemon"
	"github.com/harun/chatguard/internal/logger"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the chatguard daemon service",
	Long: `Start the chatguard daemon service in the foreground.
The daemon polls Telegram for updates, moderates group messages and serves
the private configuration dialog until it receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}

	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := logger.New(logger.Config{
		Level:          cfg.Logging.Level,
		File:           cfg.Logging.File,
		Console:        true,
		Pretty:         true,
		Redaction:      cfg.Logging.Redaction,
		RedactPatterns: cfg.Logging.RedactPatterns,
		MaxSize:        cfg.Logging.MaxSize,
		MaxAge:         cfg.Logging.MaxAge,
		Compress:       cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	d.Wait()
	return nil
}

// resolvePIDFile finds the PID file of the configured data directory
func resolvePIDFile() string {
	cfg, err := config.Load(cfgFile)
	if err != nil || cfg.DataDir == "" {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return filepath.Join(os.TempDir(), daemon.PIDFileName)
		}
		return filepath.Join(home, ".chatguard", daemon.PIDFileName)
	}
	return daemon.PIDFilePath(cfg.DataDir)
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}
