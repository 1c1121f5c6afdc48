package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/route-quota/internal/ledger"
	"github.com/sells-group/route-quota/internal/model"
	"github.com/sells-group/route-quota/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig    `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Ledger     LedgerConfig   `yaml:"ledger" mapstructure:"ledger"`
	Rules      RulesConfig    `yaml:"rules" mapstructure:"rules"`
	Categories map[string]int `yaml:"categories" mapstructure:"categories"`
	Catalog    CatalogConfig  `yaml:"catalog" mapstructure:"catalog"`
	Server     ServerConfig   `yaml:"server" mapstructure:"server"`
	Log        LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the ledger snapshot cache. An empty Addr keeps the
// cache in process memory.
type RedisConfig struct {
	Addr             string `yaml:"addr" mapstructure:"addr"`
	Password         string `yaml:"password" mapstructure:"password"`
	DB               int    `yaml:"db" mapstructure:"db"`
	BreakerThreshold int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// LedgerConfig configures the conditional-update retry loop and the snapshot
// cache lifetime.
type LedgerConfig struct {
	MaxAttempts        int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs   int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs       int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Jitter             float64 `yaml:"jitter" mapstructure:"jitter"`
	SnapshotTTLSecs    int     `yaml:"snapshot_ttl_secs" mapstructure:"snapshot_ttl_secs"`
	ReconcileGraceSecs int     `yaml:"reconcile_grace_secs" mapstructure:"reconcile_grace_secs"`
}

// RulesConfig points at the validation rule file.
type RulesConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	FailClosed bool   `yaml:"fail_closed" mapstructure:"fail_closed"`
}

// CatalogConfig points at the route catalog file used for seeding.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port"`
	CORSOrigins         []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	SubmitRatePerSec    float64  `yaml:"submit_rate_per_sec" mapstructure:"submit_rate_per_sec"`
	SubmitBurst         int      `yaml:"submit_burst" mapstructure:"submit_burst"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("QUOTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "quota.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.breaker_threshold", 5)
	v.SetDefault("redis.breaker_reset_secs", 30)
	v.SetDefault("ledger.max_attempts", 5)
	v.SetDefault("ledger.initial_backoff_ms", 10)
	v.SetDefault("ledger.max_backoff_ms", 250)
	v.SetDefault("ledger.jitter", 0.5)
	v.SetDefault("ledger.snapshot_ttl_secs", 5)
	v.SetDefault("ledger.reconcile_grace_secs", 300)
	v.SetDefault("rules.fail_closed", false)
	for c, n := range model.DefaultCategoryLimits() {
		v.SetDefault("categories."+string(c), n)
	}
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.submit_rate_per_sec", 1.0)
	v.SetDefault("server.submit_burst", 5)
	v.SetDefault("server.shutdown_timeout_secs", 15)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is one of "serve",
// "ledger" (commands that touch the store) or "offline" (file-only commands).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "ledger":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateLedger()...)
		if mode == "serve" {
			if c.Server.Port <= 0 || c.Server.Port > 65535 {
				errs = append(errs, "server.port must be > 0 and <= 65535")
			}
			if c.Server.SubmitRatePerSec <= 0 {
				errs = append(errs, "server.submit_rate_per_sec must be > 0")
			}
			if c.Server.SubmitBurst < 1 {
				errs = append(errs, "server.submit_burst must be >= 1")
			}
		}
	case "offline":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	for k, n := range c.Categories {
		if !model.Category(strings.ReplaceAll(strings.ToLower(k), "_", "-")).Valid() {
			errs = append(errs, "categories: unknown category "+k)
		}
		if n <= 0 {
			errs = append(errs, "categories."+k+" must be > 0")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
		if c.Store.MinConns > c.Store.MaxConns {
			errs = append(errs, "store.min_conns must be <= store.max_conns")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	return errs
}

func (c *Config) validateLedger() []string {
	var errs []string
	if c.Ledger.MaxAttempts < 1 || c.Ledger.MaxAttempts > 100 {
		errs = append(errs, "ledger.max_attempts must be between 1 and 100")
	}
	if c.Ledger.Jitter < 0 || c.Ledger.Jitter > 1 {
		errs = append(errs, "ledger.jitter must be between 0 and 1")
	}
	if c.Ledger.MaxBackoffMs < c.Ledger.InitialBackoffMs {
		errs = append(errs, "ledger.max_backoff_ms must be >= ledger.initial_backoff_ms")
	}
	if c.Ledger.SnapshotTTLSecs < 0 {
		errs = append(errs, "ledger.snapshot_ttl_secs must be >= 0")
	}
	if c.Ledger.ReconcileGrace() < ledger.MinReconcileGrace {
		errs = append(errs, fmt.Sprintf("ledger.reconcile_grace_secs must be >= %d", int(ledger.MinReconcileGrace.Seconds())))
	}
	return errs
}

// CategoryLimits returns the configured per-category defaults layered over
// the stock ones.
func (c *Config) CategoryLimits() model.CategoryLimits {
	limits := model.DefaultCategoryLimits()
	for cat, n := range model.ParseCategoryLimits(c.Categories) {
		if n > 0 {
			limits[cat] = n
		}
	}
	return limits
}

// Retry returns the ledger's conditional-update retry policy.
func (c LedgerConfig) Retry() resilience.RetryConfig {
	return resilience.FromRetryConfig(c.MaxAttempts, c.InitialBackoffMs, c.MaxBackoffMs, c.Jitter)
}

// SnapshotTTL returns the snapshot cache lifetime. Zero disables caching.
func (c LedgerConfig) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLSecs) * time.Second
}

// ReconcileGrace returns how long an entry must be quiet before Reconcile
// releases its leaked reservations.
func (c LedgerConfig) ReconcileGrace() time.Duration {
	return time.Duration(c.ReconcileGraceSecs) * time.Second
}

// Breaker returns the circuit breaker settings for the Redis cache.
func (c RedisConfig) Breaker() resilience.CircuitBreakerConfig {
	cfg := resilience.FromCircuitConfig(c.BreakerThreshold, c.BreakerResetSecs)
	cfg.Name = "redis"
	return cfg
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
