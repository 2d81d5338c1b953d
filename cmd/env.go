package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/jurishealth/internal/award"
	"github.com/sells-group/jurishealth/internal/bidding"
	"github.com/sells-group/jurishealth/internal/events"
	"github.com/sells-group/jurishealth/internal/ingest"
	"github.com/sells-group/jurishealth/internal/metrics"
	"github.com/sells-group/jurishealth/internal/monitoring"
	"github.com/sells-group/jurishealth/internal/normalize"
	"github.com/sells-group/jurishealth/internal/resilience"
	"github.com/sells-group/jurishealth/internal/source"
	"github.com/sells-group/jurishealth/internal/source/courtscraper"
	"github.com/sells-group/jurishealth/internal/source/judicialapi"
	"github.com/sells-group/jurishealth/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "jurishealth.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// appEnv holds the store and the engines built on it. Callers should defer
// env.Close().
type appEnv struct {
	Store   store.Store
	Bidding *bidding.Engine
	Arbiter *award.Arbiter
	Events  events.Publisher
	Metrics *metrics.Metrics
	Alerter *monitoring.Alerter

	closers []func()
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// initEnv opens and migrates the store and builds the engines.
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}
	env.closers = append(env.closers, func() { _ = st.Close() })

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env.Events = events.FromConfig(cfg.Events)
	env.closers = append(env.closers, func() {
		if err := env.Events.Close(); err != nil {
			zap.L().Warn("close event publisher", zap.Error(err))
		}
	})
	env.Metrics = metrics.New()
	env.Alerter = monitoring.NewAlerter(cfg.Monitoring)

	bopts := bidding.OptionsFromConfig(cfg)
	bopts.Events, bopts.Metrics = env.Events, env.Metrics
	env.Bidding = bidding.New(st, bopts)

	aopts := award.OptionsFromConfig(cfg)
	aopts.Events, aopts.Metrics = env.Events, env.Metrics
	env.Arbiter = award.New(st, aopts)

	return env, nil
}

// initOrchestrator builds the ingestion orchestrator with the enabled
// sources and the configured run lock.
func initOrchestrator(ctx context.Context, env *appEnv, resume bool) (*ingest.Orchestrator, error) {
	vocab, err := normalize.DefaultVocabulary()
	if err != nil {
		return nil, err
	}
	n, err := normalize.New(vocab, cfg.Ingest.DefaultCity)
	if err != nil {
		return nil, err
	}

	retry := resilience.FromConfig(cfg.Retry)
	var sources []source.Client
	if cfg.CourtScraper.Enabled {
		sources = append(sources, courtscraper.FromConfig(cfg.CourtScraper, retry))
	}
	if cfg.JudicialAPI.Enabled {
		sources = append(sources, judicialapi.FromConfig(cfg.JudicialAPI, retry))
	}
	if len(sources) == 0 {
		return nil, eris.New("ingest: no sources enabled")
	}

	locker, err := initLocker(ctx, env)
	if err != nil {
		return nil, err
	}

	return ingest.New(env.Store, sources, n, ingest.Options{
		Resume:   resume,
		MaxPages: cfg.Ingest.MaxPages,
		Locker:   locker,
		Events:   env.Events,
		Metrics:  env.Metrics,
		Notifier: env.Alerter,
	}), nil
}

func initLocker(ctx context.Context, env *appEnv) (ingest.Locker, error) {
	switch cfg.Ingest.Lock {
	case "postgres":
		pg, ok := env.Store.(*store.PostgresStore)
		if !ok {
			return nil, eris.New("ingest.lock=postgres requires store.driver=postgres")
		}
		return ingest.NewPostgresLocker(pg.Pool()), nil
	case "redis":
		ttl := time.Duration(cfg.Ingest.LockTTLMinutes) * time.Minute
		locker, client, err := ingest.DialRedisLocker(ctx, cfg.Ingest.RedisURL, ttl)
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, func() { _ = client.Close() })
		return locker, nil
	default:
		return &ingest.LocalLocker{}, nil
	}
}
