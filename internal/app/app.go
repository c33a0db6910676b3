// Package app assembles the researchline service graph from a workspace.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"researchline/internal/auth"
	"researchline/internal/cache"
	"researchline/internal/config"
	"researchline/internal/db"
	"researchline/internal/domain"
	"researchline/internal/events"
	"researchline/internal/logger"
	"researchline/internal/metrics"
	"researchline/internal/migrate"
	"researchline/internal/orchestrator"
	"researchline/internal/planner"
	"researchline/internal/provider"
	"researchline/internal/repo"
	"researchline/internal/retry"
	"researchline/internal/schedule"
	"researchline/internal/stage"
	researchlinesdk "researchline/sdk/go"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/researchline.yml.
	ConfigPath string
	// DBPath overrides the workspace database file.
	DBPath string
	// Config skips loading from disk when set.
	Config *config.Config
	// Provider replaces the configured provider, mainly for tests.
	Provider provider.Provider
	// Credential replaces the provider API key read from the environment.
	Credential string
	Logger     logger.Logger
	Registry   *prometheus.Registry
	Now        func() time.Time
}

// App holds every long-lived component. Close releases the database and the
// redis client.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Log      logger.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Cache    *cache.Cache
	Auth     auth.Service

	Planner      *planner.Planner
	Consumers    map[domain.Stage]*stage.Consumer
	Orchestrator *orchestrator.Orchestrator
	Schedules    schedule.Service

	redis *redis.Client
}

func loadConfig(opts Options) (*config.Config, error) {
	switch {
	case opts.Config != nil:
		return opts.Config, opts.Config.Validate()
	case opts.ConfigPath != "":
		return config.FromFile(opts.ConfigPath)
	default:
		return config.Load(opts.Workspace)
	}
}

// Open loads config, opens and migrates the database and wires every service.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := opts.Logger
	if log == nil {
		if log, err = logger.New(logger.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development}); err != nil {
			return nil, err
		}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	a := &App{
		Config:   cfg,
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Log:      log,
		Registry: reg,
		Metrics:  metrics.New(reg),
	}
	a.Events = events.Writer{DB: conn, Now: now, Log: log}
	a.Auth = auth.Service{Repo: a.Repo, Now: now}

	store, err := a.cacheStore(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Cache = cache.New(store, cache.WithLogger(log), cache.WithMetrics(a.Metrics), cache.WithClock(now))

	credential := opts.Credential
	if credential == "" {
		credential = cfg.APIKey()
	}
	prov := opts.Provider
	if prov == nil {
		prov = provider.NewRateLimited(provider.NewAnthropic(provider.AnthropicOptions{
			APIKey:  credential,
			BaseURL: cfg.Provider.BaseURL,
			Timeout: time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
		}), cfg.Provider.RequestsPerSecond, cfg.Provider.Burst)
	}

	a.Consumers = stage.NewAll(stage.Deps{
		Repo:  a.Repo,
		Cache: a.Cache,
		Retry: &retry.Executor{
			MaxAttempts: cfg.Retry.Attempts,
			Backoff:     cfg.Retry.Backoff(),
			Jitter:      cfg.Retry.Jitter,
		},
		Provider:   prov,
		Config:     cfg,
		Events:     a.Events,
		Log:        log,
		Metrics:    a.Metrics,
		Now:        now,
		Credential: credential,
	})

	a.Planner = planner.New(a.Repo, a.Events, cfg, log)
	a.Planner.Now = now

	var invoker orchestrator.Invoker = orchestrator.LocalInvoker{Consumers: a.Consumers}
	if ep := strings.TrimSpace(cfg.Orchestrator.StageEndpoint); ep != "" {
		client := researchlinesdk.New(ep)
		client.APIKey = cfg.Orchestrator.StageAPIKey
		invoker = orchestrator.HTTPInvoker{Client: client}
	}
	a.Orchestrator = &orchestrator.Orchestrator{
		Repo:    a.Repo,
		Invoker: invoker,
		Events:  a.Events,
		Config:  cfg,
		Log:     log,
		Metrics: a.Metrics,
		Now:     now,
	}

	var runner schedule.Runner = a.Orchestrator
	if ep := strings.TrimSpace(cfg.Dispatch.OrchestrateEndpoint); ep != "" {
		client := researchlinesdk.New(ep)
		client.APIKey = cfg.Dispatch.APIKey
		runner = schedule.RemoteRunner{Client: client}
	}
	a.Schedules = schedule.Service{
		Repo:    a.Repo,
		Runner:  runner,
		Events:  a.Events,
		Config:  cfg,
		Log:     log,
		Metrics: a.Metrics,
		Now:     now,
	}
	return a, nil
}

func (a *App) cacheStore(ctx context.Context) (cache.Store, error) {
	switch a.Config.Cache.Backend {
	case "", "sqlite":
		return cache.SQLStore{DB: a.DB}, nil
	case "redis":
		rc := a.Config.Cache.Redis
		client, err := cache.NewRedisClient(ctx, rc.Address, rc.Password, rc.DB)
		if err != nil {
			return nil, err
		}
		a.redis = client
		return &cache.RedisStore{Client: client, Prefix: rc.Prefix}, nil
	}
	return nil, fmt.Errorf("unsupported cache backend %q", a.Config.Cache.Backend)
}

func (a *App) Close() error {
	if a.Cache != nil {
		a.Cache.Flush()
	}
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.Log != nil {
		_ = a.Log.Sync()
	}
	return errors.Join(errs...)
}
