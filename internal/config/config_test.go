package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/route-quota/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "quota.db", cfg.Store.SQLitePath)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 5, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 250, cfg.Ledger.MaxBackoffMs)
	assert.InDelta(t, 0.5, cfg.Ledger.Jitter, 0.001)
	assert.False(t, cfg.Rules.FailClosed)
	assert.Equal(t, 70, cfg.Categories["main-loop"])
	assert.Equal(t, 40, cfg.Categories["diverse"])
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/quota
redis:
  addr: localhost:6379
rules:
  path: rules.yaml
  fail_closed: true
categories:
  diverse: 50
log:
  level: debug
  format: console
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/quota", cfg.Store.DatabaseURL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "rules.yaml", cfg.Rules.Path)
	assert.True(t, cfg.Rules.FailClosed)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Categories["diverse"])
	// Defaults still apply for unset values
	assert.Equal(t, 70, cfg.Categories["main-loop"])
	assert.Equal(t, 5, cfg.Ledger.MaxAttempts)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("QUOTA_STORE_DRIVER", "sqlite")
	t.Setenv("QUOTA_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("QUOTA_SERVER_PORT", "3000")
	t.Setenv("QUOTA_LEDGER_MAX_ATTEMPTS", "9")
	t.Setenv("QUOTA_CATEGORIES_LOOP_BRANCH", "20")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 9, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 20, cfg.Categories["loop-branch"])
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [\n"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "quota.db"
	cfg.Ledger.MaxAttempts = 5
	cfg.Ledger.InitialBackoffMs = 10
	cfg.Ledger.MaxBackoffMs = 250
	cfg.Ledger.Jitter = 0.5
	cfg.Ledger.ReconcileGraceSecs = 300
	cfg.Server.Port = 8080
	cfg.Server.SubmitRatePerSec = 1
	cfg.Server.SubmitBurst = 5
	return cfg
}

func TestValidateServe_Defaults(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("serve"))
}

func TestValidatePostgres_MissingURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("ledger")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/quota"
	assert.NoError(t, cfg.Validate("ledger"))
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("ledger")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	// ledger commands do not listen
	assert.NoError(t, cfg.Validate("ledger"))
}

func TestValidateLedgerBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Ledger.MaxAttempts = 0
	cfg.Ledger.Jitter = 1.5
	cfg.Ledger.MaxBackoffMs = 1

	err := cfg.Validate("ledger")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.max_attempts must be between 1 and 100")
	assert.Contains(t, err.Error(), "ledger.jitter must be between 0 and 1")
	assert.Contains(t, err.Error(), "ledger.max_backoff_ms")
}

func TestValidateCategories(t *testing.T) {
	cfg := validDefaults()
	cfg.Categories = map[string]int{"main_loop": 80, "bogus": 10, "diverse": 0}

	err := cfg.Validate("offline")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown category bogus")
	assert.Contains(t, err.Error(), "categories.diverse must be > 0")
	assert.NotContains(t, err.Error(), "main_loop")
}

func TestValidateOffline_IgnoresStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = ""
	assert.NoError(t, cfg.Validate("offline"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestCategoryLimits(t *testing.T) {
	cfg := validDefaults()
	cfg.Categories = map[string]int{"diverse": 50, "loop_branch": 20}

	limits := cfg.CategoryLimits()
	assert.Equal(t, 50, limits[model.CategoryDiverse])
	assert.Equal(t, 20, limits[model.CategoryLoopBranch])
	assert.Equal(t, 70, limits[model.CategoryMainLoop])
}

func TestLedgerDurations(t *testing.T) {
	lc := LedgerConfig{MaxAttempts: 7, InitialBackoffMs: 20, MaxBackoffMs: 400, Jitter: 0.25, SnapshotTTLSecs: 3, ReconcileGraceSecs: 60}

	retry := lc.Retry()
	assert.Equal(t, 7, retry.MaxAttempts)
	assert.Equal(t, 20*time.Millisecond, retry.InitialBackoff)
	assert.Equal(t, 400*time.Millisecond, retry.MaxBackoff)
	assert.InDelta(t, 0.25, retry.JitterFraction, 0.001)
	assert.Equal(t, 3*time.Second, lc.SnapshotTTL())
	assert.Equal(t, time.Minute, lc.ReconcileGrace())
}

func TestRedisBreaker(t *testing.T) {
	b := RedisConfig{BreakerThreshold: 3, BreakerResetSecs: 10}.Breaker()
	assert.Equal(t, "redis", b.Name)
	assert.Equal(t, 3, b.FailureThreshold)
	assert.Equal(t, 10*time.Second, b.ResetTimeout)
}

func TestValidateLedger_ReconcileGraceFloor(t *testing.T) {
	cfg := validDefaults()
	cfg.Ledger.ReconcileGraceSecs = 0

	err := cfg.Validate("ledger")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.reconcile_grace_secs must be >= 30")

	cfg.Ledger.ReconcileGraceSecs = 30
	assert.NoError(t, cfg.Validate("ledger"))
}
