package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Strob0t/ContentForge/internal/adapter/crawler"
	"github.com/Strob0t/ContentForge/internal/adapter/ffmpeg"
	cfhttp "github.com/Strob0t/ContentForge/internal/adapter/http"
	"github.com/Strob0t/ContentForge/internal/adapter/memory"
	"github.com/Strob0t/ContentForge/internal/adapter/minio"
	cfnats "github.com/Strob0t/ContentForge/internal/adapter/nats"
	"github.com/Strob0t/ContentForge/internal/adapter/natskv"
	cfotel "github.com/Strob0t/ContentForge/internal/adapter/otel"
	"github.com/Strob0t/ContentForge/internal/adapter/postgres"
	cfredis "github.com/Strob0t/ContentForge/internal/adapter/redis"
	"github.com/Strob0t/ContentForge/internal/adapter/ristretto"
	"github.com/Strob0t/ContentForge/internal/adapter/tiered"
	"github.com/Strob0t/ContentForge/internal/config"
	"github.com/Strob0t/ContentForge/internal/domain/job"
	"github.com/Strob0t/ContentForge/internal/logger"
	"github.com/Strob0t/ContentForge/internal/port/cache"
	"github.com/Strob0t/ContentForge/internal/port/jobqueue"
	"github.com/Strob0t/ContentForge/internal/port/lease"
	portllm "github.com/Strob0t/ContentForge/internal/port/llm"
	"github.com/Strob0t/ContentForge/internal/port/messagequeue"
	"github.com/Strob0t/ContentForge/internal/port/taskstore"
	"github.com/Strob0t/ContentForge/internal/service"
)

// app holds the wired components shared by serve and worker.
type app struct {
	cfg *config.Config

	pool *pgxpool.Pool
	rdb  *goredis.Client
	nats *cfnats.Queue

	store   taskstore.Store
	queue   jobqueue.Queue
	events  messagequeue.Queue
	cache   cache.Cache
	locker  lease.Locker
	metrics *cfotel.Metrics
	crawler *crawler.Crawler

	gateway  *service.Gateway
	composer *service.Composer
	jobs     *service.JobService

	closers []func()
}

// loadConfig reads the config and installs the default logger.
func loadConfig(path string) (*config.Config, logger.Closer, error) {
	if path == "" {
		path = config.DefaultConfigFile
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, nil, err
	}
	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	return cfg, closer, nil
}

// newApp connects the infrastructure selected by cfg and builds the
// services on top of it. Call close when done.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	shutdownOTEL, err := cfotel.Init(ctx, cfg.OTEL)
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	a.closers = append(a.closers, func() { _ = shutdownOTEL(context.WithoutCancel(ctx)) })
	if a.metrics, err = cfotel.NewMetrics(); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	if err := a.connect(ctx); err != nil {
		return nil, err
	}
	if err := a.buildCache(ctx); err != nil {
		return nil, err
	}

	a.gateway = service.NewGateway(cfg.Gateway, a.metrics)
	if err := registerProviders(a.gateway, cfg); err != nil {
		return nil, err
	}

	respCache := service.NewResponseCache(a.cache, a.locker, cfg.Cache, a.metrics)
	a.crawler = crawler.New(cfg.Crawler)
	research := service.NewTrendResearchAgent(a.crawler, a.cache, cfg.Crawler.Concurrency, cfg.Crawler.DefaultSources)
	agents, err := service.BuildAgents(*cfg, a.gateway, respCache, research)
	if err != nil {
		return nil, fmt.Errorf("agents: %w", err)
	}

	if a.composer, err = service.NewComposer(a.store, agents, a.events, a.metrics, cfg.Composer); err != nil {
		return nil, fmt.Errorf("composer: %w", err)
	}
	a.jobs = service.NewJobService(a.store, a.queue, a.composer, a.events, a.metrics, cfg.Worker.MaxAttempts)
	return a, nil
}

// connect opens the store, the job queue and the event bus.
func (a *app) connect(ctx context.Context) error {
	cfg := a.cfg

	switch cfg.Store.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		a.store = postgres.NewStore(pool)
	default:
		slog.Warn("using in-memory task store; records are lost on restart")
		a.store = memory.NewStore()
	}

	if cfg.Store.Queue == "redis" || cfg.Cache.Backend == "redis" {
		rdb, err := cfredis.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	}
	if cfg.Store.Queue == "redis" {
		a.queue = cfredis.NewQueue(a.rdb, cfg.Redis.KeyPrefix)
	} else {
		a.queue = memory.NewQueue()
	}

	if cfg.NATS.URL != "" {
		q, err := cfnats.ConnectStream(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		a.nats = q
		a.events = q
		a.closers = append(a.closers, func() { _ = q.Drain() })
	} else {
		a.events = memory.NewEventBus()
	}
	return nil
}

// buildCache assembles the response cache backend: an optional in-process
// L1 in front of the shared store, plus the single-flight locker.
func (a *app) buildCache(ctx context.Context) error {
	cfg := a.cfg
	var shared cache.Cache
	switch cfg.Cache.Backend {
	case "redis":
		shared = cfredis.NewCache(a.rdb, cfg.Redis.KeyPrefix, cfg.Cache.MaxEntries)
	case "natskv":
		if a.nats == nil {
			return errors.New("natskv cache needs nats.url")
		}
		// Unbounded in size; entries age out after the default TTL.
		kv, err := natskv.OpenBucket(ctx, a.nats.JetStream(), cfg.Cache.L2Bucket, cfg.Cache.DefaultTTL, -1)
		if err != nil {
			return err
		}
		shared = natskv.New(kv)
	default:
		shared = memory.NewCache(cfg.Cache.MaxEntries, cfg.Cache.DefaultTTL)
	}

	a.cache = shared
	if cfg.Cache.Backend != "memory" && cfg.Cache.L1MaxSizeMB > 0 {
		l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
		if err != nil {
			return fmt.Errorf("l1 cache: %w", err)
		}
		a.closers = append(a.closers, l1.Close)
		a.cache = tiered.New(l1, shared, cfg.Cache.L1TTL)
	}

	if a.rdb != nil {
		a.locker = cfredis.NewLocker(a.rdb, cfg.Redis.KeyPrefix)
	} else {
		a.locker = memory.NewLocker()
	}
	return nil
}

// registerProviders adds every configured provider that has an API key.
func registerProviders(g *service.Gateway, cfg *config.Config) error {
	for name, pc := range cfg.Providers {
		if pc.APIKey == "" {
			continue
		}
		p, err := portllm.New(name, portllm.Config{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Timeout: cfg.Gateway.CallTimeout,
			Prices:  pc.Prices,
		})
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		g.Register(p, pc.RequestsPerSecond, pc.Burst)
		slog.Info("model provider registered", "provider", name)
	}
	if len(g.Providers()) == 0 {
		slog.Warn("no model providers configured; LLM agents will fail")
	}
	return nil
}

// workerPool builds a pool with a handler for every job kind. Media jobs
// are registered only when object storage is configured.
func (a *app) workerPool(ctx context.Context) (*service.WorkerPool, error) {
	pool := service.NewWorkerPool(a.store, a.queue, a.events, a.metrics, a.cfg.Worker)
	pool.Handle(job.KindPipelineRun, service.PipelineHandler(a.composer))
	pool.Handle(job.KindCrawlTask, service.CrawlHandler(a.crawler))

	if a.cfg.Storage.Endpoint == "" {
		slog.Warn("object storage not configured; media jobs are disabled")
		return pool, nil
	}
	blobs, err := minio.New(a.cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("object storage: %w", err)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("object storage: %w", err)
	}
	renderer := ffmpeg.New(a.cfg.Media.FFmpegPath, a.cfg.Media.WorkDir)
	pool.Handle(job.KindMediaTask, service.NewMediaHandler(renderer, blobs, a.cfg.Media.DefaultFormat, ffmpeg.ContentType))
	return pool, nil
}

// readyChecks probes the connected infrastructure for /health/ready.
func (a *app) readyChecks() map[string]cfhttp.ReadyCheck {
	checks := map[string]cfhttp.ReadyCheck{}
	if a.pool != nil {
		checks["postgres"] = func(ctx context.Context) error { return a.pool.Ping(ctx) }
	}
	if a.rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() }
	}
	if a.nats != nil {
		checks["nats"] = func(context.Context) error {
			if !a.nats.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	}
	return checks
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
