package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"

	"github.com/rendis/stagegate/internal/engine"
	"github.com/rendis/stagegate/internal/llm"
	"github.com/rendis/stagegate/internal/pipeline"
	"github.com/rendis/stagegate/internal/store"
	"github.com/rendis/stagegate/internal/streaming"
	"github.com/rendis/stagegate/internal/validation"
)

// app is the wired process: one store, one hub and one engine.
type app struct {
	cfg    Config
	logger *slog.Logger
	store  store.Store
	hub    *streaming.MemoryHub
	engine *engine.Engine
	clock  clockwork.Clock
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	v, err := validation.NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	def, err := loadPipeline(cfg, v)
	if err != nil {
		return nil, err
	}
	models := buildModels(cfg.Model, v, logger)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Store, err)
	}

	clock := clockwork.NewRealClock()
	hub := streaming.NewMemoryHub()
	eng, err := engine.New(engine.Config{
		Pipeline:    def,
		Models:      models,
		Checkpoints: st,
		Events:      st,
		Hub:         hub,
		Clock:       clock,
		Logger:      logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	logger.Debug("engine ready",
		"store", cfg.Store,
		"provider", cfg.Model.Provider,
		"pipeline", def.Name,
		"stages", def.Names(),
	)
	return &app{cfg: cfg, logger: logger, store: st, hub: hub, engine: eng, clock: clock}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func loadPipeline(cfg Config, v *validation.SchemaValidator) (*pipeline.Definition, error) {
	if cfg.PipelineFile == "" {
		return pipeline.Default(v)
	}
	return pipeline.LoadFile(cfg.PipelineFile, v)
}

func openStore(ctx context.Context, cfg Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case storeMemory:
		return store.NewMemoryStore(), nil
	case storeLibSQL:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", filepath.Dir(cfg.DBPath), err)
		}
		return store.NewLibSQLStore("file:" + cfg.DBPath)
	case storePostgres:
		return store.NewPostgresStore(ctx, store.PostgresConfig{DSN: cfg.PostgresDSN}, logger)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// buildModels wraps the provider in the standard middleware stack. The
// order, outermost first, is structured output, timeout, retry, breaker
// and rate limit, so each retry attempt is separately gated.
func buildModels(cfg ModelConfig, v *validation.SchemaValidator, logger *slog.Logger) *llm.Registry {
	var base llm.Model
	switch cfg.Provider {
	case providerAnthropic:
		base = llm.NewAnthropicModel(llm.AnthropicConfig{
			Model:       cfg.Name,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}, logger)
	default:
		base = llm.NewEchoModel(cfg.EchoDelay)
	}

	retry := llm.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries
	breaker := llm.DefaultBreakerConfig()
	if cfg.BreakerThreshold > 0 {
		breaker.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerCooldown > 0 {
		breaker.Cooldown = cfg.BreakerCooldown
	}

	// Outermost first: every retry attempt passes the breaker and the limiter
	// and gets its own timeout.
	mws := []llm.Middleware{
		llm.WithStructuredOutput(v, logger),
		llm.WithRetry(retry, logger),
		llm.WithBreaker(llm.NewBreakerRegistry(breaker, nil)),
	}
	if cfg.RequestsPerMinute > 0 {
		mws = append(mws, llm.WithRateLimit(llm.NewLimiter(cfg.RequestsPerMinute, 1)))
	}
	if cfg.Timeout > 0 {
		mws = append(mws, llm.WithTimeout(cfg.Timeout))
	}
	return llm.NewRegistry("default", llm.Chain(base, mws...))
}

// closeQuietly closes c and logs a failure.
func closeQuietly(logger *slog.Logger, name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn("close failed", "resource", name, "error", err)
	}
}
