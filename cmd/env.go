package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rate-harvest/internal/audit"
	"github.com/sells-group/rate-harvest/internal/config"
	"github.com/sells-group/rate-harvest/internal/db"
	"github.com/sells-group/rate-harvest/internal/extract"
	"github.com/sells-group/rate-harvest/internal/model"
	"github.com/sells-group/rate-harvest/internal/resilience"
	"github.com/sells-group/rate-harvest/internal/session"
	"github.com/sells-group/rate-harvest/internal/sink"
	"github.com/sells-group/rate-harvest/internal/store"
	"github.com/sells-group/rate-harvest/internal/upload"
	"github.com/sells-group/rate-harvest/pkg/ingest"
	"github.com/sells-group/rate-harvest/pkg/scraper"
)

// appEnv holds the store, the session manager and everything they were
// built from. Callers should defer env.Close().
type appEnv struct {
	Store    store.Store
	Manager  *session.Manager
	Breakers *resilience.SiteBreakers

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func (e *appEnv) onClose(fn func()) {
	e.closers = append(e.closers, fn)
}

// initStore opens the configured session store.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "rate-harvest.db"
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

// openStore opens and migrates the store for read-only commands.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv validates config for mode and builds the session manager.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	profiles, err := loadProfiles()
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}
	env.onClose(func() { _ = st.Close() })

	snk, err := initSink(ctx, env)
	if err != nil {
		env.Close()
		return nil, err
	}

	registry, err := initRegistry(ctx, env)
	if err != nil {
		env.Close()
		return nil, err
	}

	observer, err := initObserver(ctx, env)
	if err != nil {
		env.Close()
		return nil, err
	}

	retryCfg := resilience.FromRetryConfig(
		cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs,
		cfg.Retry.Multiplier, cfg.Retry.JitterFraction,
		cfg.Retry.RateLimitedMaxAttempts, cfg.Retry.RateLimitDelayMs,
	)
	env.Breakers = resilience.NewSiteBreakers(resilience.FromCircuitConfig(
		cfg.Circuit.FailureThreshold, cfg.Circuit.WindowSecs,
		cfg.Circuit.ResetTimeoutSecs, cfg.Circuit.MaxCooldownSecs,
	))
	coord := resilience.NewCoordinator(retryCfg,
		resilience.WithObserver(observer),
		resilience.WithBreakers(env.Breakers),
	)

	opts := []session.Option{
		session.WithRegistry(registry),
		session.WithScheduler(newScheduler(profiles)),
		session.WithSinkCoordinator(resilience.NewCoordinator(retryCfg, resilience.WithObserver(observer))),
	}
	for site, p := range profiles {
		if p.MaxAttempts <= 0 {
			continue
		}
		siteCfg := retryCfg
		siteCfg.MaxAttempts = p.MaxAttempts
		opts = append(opts, session.WithSiteCoordinator(site, resilience.NewCoordinator(siteCfg,
			resilience.WithObserver(observer),
			resilience.WithBreakers(env.Breakers),
		)))
	}

	env.Manager = session.New(sessionConfig(profiles), st, initAdapters(profiles), coord, snk, opts...)

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("sink", cfg.Sink.Driver),
		zap.String("registry", cfg.Registry.Driver),
		zap.String("audit", cfg.Audit.Driver),
	)
	return env, nil
}

// loadProfiles reads the site profiles file and keys it by site.
func loadProfiles() (map[model.Site]config.SiteProfile, error) {
	raw, err := config.LoadSiteProfiles(cfg.SitesFile)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Site]config.SiteProfile, len(raw))
	for name, p := range raw {
		site, err := model.ParseSite(name)
		if err != nil {
			return nil, eris.Wrap(err, "site profiles")
		}
		out[site] = p
	}
	return out, nil
}

func sessionConfig(profiles map[model.Site]config.SiteProfile) session.Config {
	sc := session.Config{
		MaxRoomHotels:     cfg.Session.MaxRoomHotels,
		SiteMaxRoomHotels: make(map[model.Site]int),
		FlushThreshold:    cfg.Session.FlushThreshold,
		BatchSize:         cfg.Sink.BatchSize,
		CancelPoll:        time.Duration(cfg.Session.CancelPollSecs) * time.Second,
	}
	for site, p := range profiles {
		if p.MaxRoomHotels > 0 {
			sc.SiteMaxRoomHotels[site] = p.MaxRoomHotels
		}
	}
	return sc
}

// newScheduler applies site profiles over the global session limits.
func newScheduler(profiles map[model.Site]config.SiteProfile) *session.Scheduler {
	defaults := session.SiteLimits{
		Concurrency:   cfg.Session.SiteConcurrency,
		PacePerSecond: cfg.Session.PacePerSecond,
		Burst:         cfg.Session.PaceBurst,
	}
	overrides := make(map[model.Site]session.SiteLimits)
	for site, p := range profiles {
		// Zero fields fall back to defaults inside the scheduler.
		overrides[site] = session.SiteLimits{
			Concurrency:   p.Concurrency,
			PacePerSecond: p.PacePerSecond,
			Burst:         p.PaceBurst,
		}
	}
	return session.NewScheduler(defaults, overrides)
}

// initAdapters registers a scraper-worker adapter for every enabled site.
func initAdapters(profiles map[model.Site]config.SiteProfile) *extract.Registry {
	var opts []scraper.Option
	if cfg.Scraper.TimeoutSecs > 0 {
		opts = append(opts, scraper.WithTimeout(time.Duration(cfg.Scraper.TimeoutSecs)*time.Second))
	}
	opts = append(opts, scraper.WithMaxPages(cfg.Scraper.MaxPages))

	reg := extract.NewRegistry()
	for _, a := range scraper.NewAll(cfg.Scraper.BaseURL, opts...) {
		if profiles[a.Site()].Disabled {
			zap.L().Info("site disabled by profile", zap.String("site", string(a.Site())))
			continue
		}
		reg.Register(a)
	}
	return reg
}

// initSink builds the ingest sink. The Postgres sink reuses the store's pool
// when both point at the same database.
func initSink(ctx context.Context, env *appEnv) (upload.Sink, error) {
	switch cfg.Sink.Driver {
	case "http":
		var opts []ingest.Option
		if cfg.Sink.TimeoutSecs > 0 {
			opts = append(opts, ingest.WithTimeout(time.Duration(cfg.Sink.TimeoutSecs)*time.Second))
		}
		return ingest.NewClient(cfg.Sink.BaseURL, cfg.Sink.APIKey, opts...), nil
	case "postgres":
		pool, err := sinkPool(ctx, env)
		if err != nil {
			return nil, err
		}
		ps := sink.NewPostgres(pool, cfg.Sink.Schema)
		if err := ps.Migrate(ctx); err != nil {
			return nil, eris.Wrap(err, "migrate sink")
		}
		return ps, nil
	default:
		return nil, eris.Errorf("unsupported sink driver: %s", cfg.Sink.Driver)
	}
}

func sinkPool(ctx context.Context, env *appEnv) (db.Pool, error) {
	if cfg.Sink.DatabaseURL == "" {
		pg, ok := env.Store.(*store.PostgresStore)
		if !ok {
			return nil, eris.New("sink.database_url is required unless the store is postgres")
		}
		return pg.Pool(), nil
	}
	pool, err := db.Connect(ctx, cfg.Sink.DatabaseURL, cfg.Store.MaxConns)
	if err != nil {
		return nil, eris.Wrap(err, "sink pool")
	}
	env.onClose(pool.Close)
	return pool, nil
}

func newRedisClient(ctx context.Context, addr string, dbIndex int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: dbIndex})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "redis ping %s", addr)
	}
	return client, nil
}

// initRegistry builds the active-session registry.
func initRegistry(ctx context.Context, env *appEnv) (session.Registry, error) {
	if cfg.Registry.Driver != "redis" {
		return session.NewMemoryRegistry(), nil
	}
	client, err := newRedisClient(ctx, cfg.Registry.RedisAddr, cfg.Registry.RedisDB)
	if err != nil {
		return nil, eris.Wrap(err, "registry")
	}
	env.onClose(func() { _ = client.Close() })
	return session.NewRedisRegistry(client, time.Duration(cfg.Registry.LockTTLSecs)*time.Second), nil
}

// initObserver builds the attempt audit sink. Attempts are always logged;
// the redis driver also appends them to a stream.
func initObserver(ctx context.Context, env *appEnv) (resilience.Observer, error) {
	logObs := audit.NewLogObserver(nil)
	if cfg.Audit.Driver != "redis" {
		return logObs, nil
	}
	addr := cfg.Audit.RedisAddr
	if addr == "" {
		addr = cfg.Registry.RedisAddr
	}
	client, err := newRedisClient(ctx, addr, cfg.Registry.RedisDB)
	if err != nil {
		return nil, eris.Wrap(err, "audit")
	}
	env.onClose(func() { _ = client.Close() })
	return audit.Multi{logObs, audit.NewStreamObserver(client, cfg.Audit.Stream, cfg.Audit.MaxLen)}, nil
}
