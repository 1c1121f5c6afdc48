package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/route-quota/internal/availability"
	"github.com/sells-group/route-quota/internal/cache"
	"github.com/sells-group/route-quota/internal/catalog"
	"github.com/sells-group/route-quota/internal/history"
	"github.com/sells-group/route-quota/internal/ledger"
	"github.com/sells-group/route-quota/internal/model"
	"github.com/sells-group/route-quota/internal/report"
	"github.com/sells-group/route-quota/internal/resilience"
	"github.com/sells-group/route-quota/internal/rules"
	"github.com/sells-group/route-quota/internal/store"
	"github.com/sells-group/route-quota/internal/submission"
)

// appEnv holds the components shared by the serve and admin commands.
type appEnv struct {
	Store      store.Store
	Ledger     *ledger.Ledger
	History    *history.Index
	Rules      *rules.RuleSet
	Classifier *availability.Classifier
	Pipeline   *submission.Pipeline
	Reporter   *report.Reporter
	Routes     catalog.Provider
	redis      *redis.Client
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initSnapshots builds the ledger snapshot cache. Redis is used when an
// address is configured and reachable.
func initSnapshots(ctx context.Context) (*cache.Snapshots, *redis.Client) {
	ttl := cfg.Ledger.SnapshotTTL()
	if ttl <= 0 {
		return nil, nil
	}
	if cfg.Redis.Addr == "" {
		return cache.NewSnapshots(cache.NewMemoryCache(), ttl), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	breaker := resilience.NewCircuitBreaker(cfg.Redis.Breaker())
	return cache.NewSnapshots(cache.New(ctx, client, breaker), ttl), client
}

func loadRules() ([]rules.Rule, error) {
	if cfg.Rules.Path == "" {
		return rules.DefaultRules(), nil
	}
	rs, err := rules.LoadFile(cfg.Rules.Path)
	if err != nil {
		return nil, err
	}
	for _, verr := range rules.ValidateAll(rs) {
		zap.L().Warn("rule will be skipped at evaluation", zap.Error(verr))
	}
	return rs, nil
}

func loadCatalog(path string) ([]model.Route, error) {
	if path == "" {
		return nil, nil
	}
	routes, err := catalog.Load(path)
	return routes, eris.Wrapf(err, "load catalog %s", path)
}

// initApp validates config for mode, opens and migrates the store and wires
// the ledger, rules, classifier and submission pipeline. Callers should defer
// env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	snapshots, client := initSnapshots(ctx)
	env.redis = client

	ruleList, err := loadRules()
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Ledger = ledger.New(st, ledger.WithSnapshots(snapshots), ledger.WithRetry(cfg.Ledger.Retry()))
	env.History = history.New(st)
	env.Rules = rules.NewRuleSet(ruleList)
	env.Classifier = availability.New(env.Ledger, env.History, env.Rules, rules.NewEngine(cfg.Rules.FailClosed))
	env.Reporter = report.New(env.Ledger)

	routes, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		env.Close()
		return nil, err
	}
	if routes != nil {
		env.Routes = catalog.NewStatic(routes)
	} else {
		env.Routes = catalog.NewLedgerProvider(env.Ledger)
	}
	env.Pipeline = submission.New(env.Classifier, env.Ledger, env.History, env.Routes)

	zap.L().Debug("app initialised",
		zap.String("store", cfg.Store.Driver),
		zap.Int("rules", len(ruleList)),
		zap.Bool("redis", client != nil),
	)
	return env, nil
}
