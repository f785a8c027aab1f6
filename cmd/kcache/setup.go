package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kcache/internal/config"
)

type runState struct {
	cfg    config.Config
	logger *log.Logger
}

var (
	state    runState
	cleanups []func()
)

func addCleanup(fn func()) { cleanups = append(cleanups, fn) }

func runCleanups() {
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	cleanups = nil
}

// setupRun loads configuration and installs logging, tracing and profiling
// before any subcommand runs.
func setupRun(cmd *cobra.Command, _ []string) error {
	if err := setupColor(cmd); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	log.SetDefault(logger)
	state = runState{cfg: cfg, logger: logger}
	if cfg.Path != "" {
		logger.Debug("loaded configuration", "path", cfg.Path)
	}

	stopTrace, err := setupTracing(cmd)
	if err != nil {
		return err
	}
	addCleanup(stopTrace)

	stopProf, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	addCleanup(stopProf)
	return nil
}

// loadConfig merges file, environment and flags, in increasing precedence.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	root := cmd.Root().PersistentFlags()
	path, err := root.GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(config.LoadOptions{Path: path})
	if err != nil {
		return cfg, err
	}
	if root.Changed("cache-dir") {
		cfg.Cache.Dir, _ = root.GetString("cache-dir")
	}
	if root.Changed("log-level") {
		cfg.Log.Level, _ = root.GetString("log-level")
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:  lvl,
		Prefix: "kcache",
	}), nil
}

func setupColor(cmd *cobra.Command) error {
	value, err := cmd.Root().PersistentFlags().GetString("color")
	if err != nil {
		return fmt.Errorf("failed to get color flag: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		color.NoColor = !isTerminal(os.Stdout)
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	default:
		return fmt.Errorf("invalid --color value %q (expected auto|on|off)", value)
	}
	return nil
}
