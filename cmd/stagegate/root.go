package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/stagegate/internal/logging"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	store      string
	noColor    bool
}

func rootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "stagegate",
		Short: "Interruptible multi-stage agent workflows with human review",
		Long: `stagegate runs an ordered pipeline of model-backed stages. After every stage
the thread is checkpointed and suspends for review: "approve" moves to the
next stage, anything else re-runs the current stage with that feedback.

Threads survive restarts when a durable store (libsql or postgres) is used.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "settings file (default ~/.stagegate/settings.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.store, "store", "", "store driver: memory, libsql, postgres")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored log output")

	cmd.AddCommand(
		serveCmd(opts),
		mcpCmd(opts),
		chatCmd(opts),
		startCmd(opts),
		resumeCmd(opts),
		statusCmd(opts),
		threadsCmd(opts),
		evictCmd(opts),
		pipelineCmd(opts),
		migrateCmd(opts),
		versionCmd(),
	)
	return cmd
}

func (o *rootOptions) settingsPath() (string, bool) {
	if o.configPath != "" {
		return o.configPath, true
	}
	return defaultSettingsPath(), false
}

// load resolves the configuration and builds the process logger. Flags
// override everything else.
func (o *rootOptions) load() (Config, *slog.LevelVar, *slog.Logger, error) {
	path, explicit := o.settingsPath()
	cfg, err := loadConfig(path, explicit)
	if err != nil {
		return Config{}, nil, nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.store != "" {
		cfg.Store = o.store
		if err := cfg.validate(); err != nil {
			return Config{}, nil, nil, err
		}
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return Config{}, nil, nil, err
	}
	lv := new(slog.LevelVar)
	lv.Set(level)
	logger := logging.New(os.Stderr, lv, o.noColor)
	slog.SetDefault(logger)
	return cfg, lv, logger, nil
}

// withApp loads configuration, wires the engine and runs fn.
func (o *rootOptions) withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, _, logger, err := o.load()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer closeQuietly(logger, "store", a)
	return fn(ctx, a)
}
