package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	storeMemory   = "memory"
	storeLibSQL   = "libsql"
	storePostgres = "postgres"
)

// Model providers.
const (
	providerAnthropic = "anthropic"
	providerEcho      = "echo"
)

// Config holds all stagegate configuration.
// Priority: env vars > settings.yaml > defaults.
type Config struct {
	ListenAddr   string          `yaml:"listen_addr"`
	LogLevel     string          `yaml:"log_level"`
	Store        string          `yaml:"store"`
	DBPath       string          `yaml:"db_path"`
	PostgresDSN  string          `yaml:"postgres_dsn"`
	PipelineFile string          `yaml:"pipeline_file"`
	CORSOrigins  []string        `yaml:"cors_origins"`
	SentryDSN    string          `yaml:"sentry_dsn"`
	Model        ModelConfig     `yaml:"model"`
	Retention    RetentionConfig `yaml:"retention"`
}

// ModelConfig selects and bounds the model provider.
type ModelConfig struct {
	// Provider is anthropic or echo. Empty picks anthropic when
	// ANTHROPIC_API_KEY is set and echo otherwise.
	Provider          string        `yaml:"provider"`
	Name              string        `yaml:"name"`
	MaxTokens         int64         `yaml:"max_tokens"`
	Temperature       *float64      `yaml:"temperature"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BreakerThreshold  int           `yaml:"breaker_threshold"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
	// EchoDelay slows the echo provider's token stream.
	EchoDelay time.Duration `yaml:"echo_delay"`
}

// RetentionConfig drives the background evictor.
type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
	Rule     string `yaml:"rule"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":8000",
		LogLevel:    "info",
		Store:       storeLibSQL,
		DBPath:      filepath.Join(stagegateDir(), "stagegate.db"),
		CORSOrigins: []string{"http://localhost:8501"},
		Model: ModelConfig{
			Name:             "claude-sonnet-4-5",
			MaxTokens:        4096,
			Timeout:          2 * time.Minute,
			MaxRetries:       2,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Retention: RetentionConfig{
			Schedule: "0 * * * *",
			Rule:     "idle_hours >= 168",
		},
	}
}

func stagegateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stagegate"
	}
	return filepath.Join(home, ".stagegate")
}

func defaultSettingsPath() string {
	return filepath.Join(stagegateDir(), "settings.yaml")
}

// loadConfig layers .env, the settings file and STAGEGATE_* variables over
// the defaults. A missing settings file is not an error unless explicit.
func loadConfig(path string, explicit bool) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = providerEcho
		if os.Getenv("ANTHROPIC_API_KEY") != "" {
			cfg.Model.Provider = providerAnthropic
		}
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("STAGEGATE_LISTEN_ADDR", &cfg.ListenAddr)
	str("STAGEGATE_LOG_LEVEL", &cfg.LogLevel)
	str("STAGEGATE_STORE", &cfg.Store)
	str("STAGEGATE_DB_PATH", &cfg.DBPath)
	str("STAGEGATE_POSTGRES_DSN", &cfg.PostgresDSN)
	str("STAGEGATE_PIPELINE", &cfg.PipelineFile)
	str("STAGEGATE_SENTRY_DSN", &cfg.SentryDSN)
	str("STAGEGATE_MODEL_PROVIDER", &cfg.Model.Provider)
	str("STAGEGATE_MODEL", &cfg.Model.Name)
	str("STAGEGATE_RETENTION_SCHEDULE", &cfg.Retention.Schedule)
	str("STAGEGATE_RETENTION_RULE", &cfg.Retention.Rule)
	if v := os.Getenv("STAGEGATE_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	var errs []error
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	durVar := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	intVar("STAGEGATE_MAX_RETRIES", &cfg.Model.MaxRetries)
	intVar("STAGEGATE_REQUESTS_PER_MINUTE", &cfg.Model.RequestsPerMinute)
	intVar("STAGEGATE_BREAKER_THRESHOLD", &cfg.Model.BreakerThreshold)
	durVar("STAGEGATE_MODEL_TIMEOUT", &cfg.Model.Timeout)
	durVar("STAGEGATE_BREAKER_COOLDOWN", &cfg.Model.BreakerCooldown)
	if v := os.Getenv("STAGEGATE_MODEL_MAX_TOKENS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("STAGEGATE_MODEL_MAX_TOKENS: %w", err))
		} else {
			cfg.Model.MaxTokens = n
		}
	}
	if v := os.Getenv("STAGEGATE_RETENTION_ENABLED"); v != "" {
		cfg.Retention.Enabled = v == "true" || v == "1"
	}
	return errors.Join(errs...)
}

func (c Config) validate() error {
	switch c.Store {
	case storeMemory, storeLibSQL:
	case storePostgres:
		if c.PostgresDSN == "" {
			return errors.New("store postgres requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown store %q (want memory, libsql or postgres)", c.Store)
	}
	switch c.Model.Provider {
	case providerAnthropic, providerEcho:
	default:
		return fmt.Errorf("unknown model provider %q (want anthropic or echo)", c.Model.Provider)
	}
	if c.Model.MaxRetries < 0 {
		return errors.New("model.max_retries must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	CORSChanged     bool
	RestartNeeded   []string // fields that require a server restart
}

func (d configDiff) empty() bool {
	return !d.LogLevelChanged && !d.CORSChanged && len(d.RestartNeeded) == 0
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if !reflect.DeepEqual(old.CORSOrigins, new.CORSOrigins) {
		d.CORSChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.Store != new.Store || old.DBPath != new.DBPath || old.PostgresDSN != new.PostgresDSN {
		d.RestartNeeded = append(d.RestartNeeded, "store")
	}
	if old.PipelineFile != new.PipelineFile {
		d.RestartNeeded = append(d.RestartNeeded, "pipeline_file")
	}
	if !reflect.DeepEqual(old.Model, new.Model) {
		d.RestartNeeded = append(d.RestartNeeded, "model")
	}
	if old.Retention != new.Retention {
		d.RestartNeeded = append(d.RestartNeeded, "retention")
	}
	if old.SentryDSN != new.SentryDSN {
		d.RestartNeeded = append(d.RestartNeeded, "sentry_dsn")
	}
	return d
}
