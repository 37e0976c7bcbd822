package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mach-34/grapevine/internal/config"
)

var (
	configPath string
	logLevel   string
	socketPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "grapevine",
	Short: "Grapevine proves and audits degrees of separation",
	Long: `Grapevine folds degree-of-separation proofs hop by hop and keeps the
resulting proof chains in a DAG store. Use it to run the reference scenarios,
inspect stored chains and audit their invariants.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to TOML configuration file (default ~/.config/grapevine/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "admin socket of a running daemon")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// resolvedConfigPath returns the --config value or the XDG default.
func resolvedConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultPaths().ConfigFile
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(resolvedConfigPath())
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// parseLevel maps a configured level name to a slog level.
func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger installs a JSON logger on stderr whose level follows levelVar.
func newLogger(levelVar *slog.LevelVar) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: levelVar,
	}))
	slog.SetDefault(logger)
	return logger
}

// setup loads the configuration and the logger for a command.
func setup() (*config.Config, *slog.Logger, *slog.LevelVar, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(cfg.Log.Level))
	return cfg, newLogger(levelVar), levelVar, nil
}
