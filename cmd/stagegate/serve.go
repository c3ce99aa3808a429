package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/stagegate/internal/metrics"
	"github.com/rendis/stagegate/internal/scheduler"
	"github.com/rendis/stagegate/internal/server"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var (
		addr      string
		noWatch   bool
		retention bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the workflow HTTP API used by the chat client, plus SSE event feeds,
Prometheus metrics and the retention evictor when enabled.

The settings file is watched: log level and CORS origin changes apply
immediately, other changes are reported as needing a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, lv, logger, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			if retention {
				cfg.Retention.Enabled = true
			}

			if cfg.SentryDSN != "" {
				if err := initSentry(cfg.SentryDSN); err != nil {
					logger.Warn("sentry disabled", "error", err)
				} else {
					defer sentry.Flush(2 * time.Second)
				}
			}
			metrics.BuildInfo.WithLabelValues(version, commit).Set(1)

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			defer closeQuietly(logger, "store", a)

			srv := server.New(server.Config{
				Addr:        cfg.ListenAddr,
				CORSOrigins: cfg.CORSOrigins,
			}, a.engine, a.hub, logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(gctx) })

			if cfg.Retention.Enabled {
				ev, err := scheduler.NewEvictor(a.engine, scheduler.Config{
					Schedule: cfg.Retention.Schedule,
					Rule:     cfg.Retention.Rule,
				}, a.clock, logger)
				if err != nil {
					return fmt.Errorf("retention: %w", err)
				}
				if err := ev.Start(gctx); err != nil {
					return err
				}
				defer func() { _ = ev.Stop() }()
			}

			if !noWatch {
				path, _ := opts.settingsPath()
				w, err := newSettingsWatcher(path, cfg, logger, applyReload(logger, lv, srv.SetCORSOrigins))
				if err != nil {
					logger.Warn("settings hot reload disabled", "error", err)
				} else {
					g.Go(func() error { return w.Run(gctx) })
				}
			}

			logger.Info("stagegate serving",
				slog.String("version", version),
				slog.String("addr", cfg.ListenAddr),
				slog.String("store", cfg.Store),
				slog.String("provider", cfg.Model.Provider),
			)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides listen_addr)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch the settings file")
	cmd.Flags().BoolVar(&retention, "retention", false, "run the retention evictor")
	return cmd
}

func initSentry(dsn string) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "stagegate@" + version,
		EnableTracing:    true,
		TracesSampleRate: 0.2,
		AttachStacktrace: true,
	})
}

// signalContext cancels on interrupt for the one-shot commands.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
