// Package app initializes and holds long-lived application services, acting
// as the dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/bizscout/harvester/internal/api"
	"github.com/bizscout/harvester/internal/blob/gcs"
	blobmem "github.com/bizscout/harvester/internal/blob/memory"
	"github.com/bizscout/harvester/internal/clock/system"
	"github.com/bizscout/harvester/internal/config"
	"github.com/bizscout/harvester/internal/executor"
	"github.com/bizscout/harvester/internal/export"
	"github.com/bizscout/harvester/internal/extract"
	"github.com/bizscout/harvester/internal/harvest"
	iduuid "github.com/bizscout/harvester/internal/id/uuid"
	"github.com/bizscout/harvester/internal/logging"
	notifymem "github.com/bizscout/harvester/internal/notify/memory"
	notifypubsub "github.com/bizscout/harvester/internal/notify/pubsub"
	"github.com/bizscout/harvester/internal/proxy"
	"github.com/bizscout/harvester/internal/ratelimit"
	"github.com/bizscout/harvester/internal/retry"
	"github.com/bizscout/harvester/internal/scheduler"
	"github.com/bizscout/harvester/internal/sessions"
	storemem "github.com/bizscout/harvester/internal/store/memory"
	storepg "github.com/bizscout/harvester/internal/store/postgres"
	"github.com/bizscout/harvester/internal/webhook"
)

// App holds all the shared, long-lived services for the engine. It is
// initialized once at startup and owns their lifecycles.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	pool     *sessions.Pool
	rotator  *proxy.Rotator
	sched    *scheduler.Scheduler
	reaper   *scheduler.Reaper
	hooks    *webhook.Manager
	server   *http.Server
	pgStore  *storepg.Store
	psClient *pubsub.Client
}

// New builds the service graph from configuration. It fails fast: any
// provider that cannot initialize aborts startup.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.Info("initializing services")

	clock := system.Clock{}
	ids := iduuid.New()

	a := &App{cfg: cfg, logger: logger}

	// Persistence: Postgres when a DSN is configured, in-memory otherwise.
	var jobs harvest.JobStore
	var records harvest.RecordStore
	if cfg.DB.DSN != "" {
		logger.Info("connecting to postgres")
		pg, err := storepg.New(ctx, storepg.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		a.pgStore = pg
		jobs, records = pg, pg
	} else {
		logger.Info("using in-memory stores")
		jobs = storemem.NewJobStore(clock)
		records = storemem.NewRecordStore()
	}

	// Blob storage for page snapshots and exports.
	var blobs harvest.BlobStore
	switch cfg.Storage.Provider {
	case "gcs":
		logger.Info("using gcs blob store", zap.String("bucket", cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		blobs, err = gcs.New(client, gcs.Config{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init gcs blob store: %w", err)
		}
	case "memory":
		logger.Info("using in-memory blob store")
		blobs = blobmem.New()
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}

	// Realtime push channel.
	var notifier harvest.Notifier = notifymem.NoopNotifier{}
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		logger.Info("connecting to pub/sub", zap.String("topic", cfg.PubSub.TopicName))
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		a.psClient = client
		notifier = notifypubsub.New(client.Topic(cfg.PubSub.TopicName), logger)
	}

	// Proxy rotation, only when proxies are configured.
	if len(cfg.Proxies.URLs) > 0 {
		prober := proxy.NewHTTPProber("", 10*time.Second)
		a.rotator = proxy.New(cfg.Proxies.URLs, proxy.Config{
			Strategy:    proxy.Strategy(cfg.Proxies.Strategy),
			MaxFailures: cfg.Proxies.MaxFailures,
			Cooldown:    time.Duration(cfg.Proxies.CooldownSecs) * time.Second,
		}, prober, logger)
	}

	// Session pool.
	var factory sessions.InstanceFactory
	switch cfg.Sessions.Mode {
	case "browser":
		factory = sessions.NewChromeFactory(sessions.ChromeConfig{
			UserAgent:  cfg.Target.UserAgent,
			NavTimeout: time.Duration(cfg.Sessions.NavTimeoutSeconds) * time.Second,
		}, a.rotator)
	case "static":
		factory = sessions.NewStaticFactory(sessions.StaticConfig{
			UserAgent: cfg.Target.UserAgent,
			Timeout:   time.Duration(cfg.Sessions.NavTimeoutSeconds) * time.Second,
		}, a.rotator)
	case "noop":
		factory = sessions.NoopFactory{}
	default:
		return nil, fmt.Errorf("unknown sessions mode: %s", cfg.Sessions.Mode)
	}
	pool, err := sessions.New(ctx, sessions.Config{
		Instances:           cfg.Sessions.Instances,
		SessionsPerInstance: cfg.Sessions.SessionsPerInstance,
	}, factory, logger)
	if err != nil {
		return nil, fmt.Errorf("init session pool: %w", err)
	}
	a.pool = pool

	// Webhook fan-out.
	a.hooks = webhook.New(webhook.Config{
		Timeout:        time.Duration(cfg.Webhooks.TimeoutSeconds) * time.Second,
		RatePerSecond:  cfg.Webhooks.RatePerSecond,
		FailureCeiling: cfg.Webhooks.FailureCeiling,
		ScanInterval:   time.Duration(cfg.Webhooks.ScanSeconds) * time.Second,
		Source:         cfg.Webhooks.Source,
	}, ids, clock, notifier, logger)

	// Failure protection shared by all jobs.
	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
	})
	policy := retry.NewPolicy(retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  time.Duration(cfg.Retry.BackoffInitialMs) * time.Millisecond,
		MaxDelay:   time.Duration(cfg.Retry.BackoffMaxMs) * time.Millisecond,
	})
	breaker := retry.NewBreaker(retry.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutSecs) * time.Second,
	})

	// The site-specific extractor ships separately; the engine runs with a
	// noop until one is plugged in.
	exec := executor.New(executor.Config{
		BaseURL:       cfg.Target.BaseURL,
		MaxPages:      cfg.Jobs.MaxPages,
		MinDelay:      time.Duration(cfg.Target.MinDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(cfg.Target.MaxDelayMs) * time.Millisecond,
		SnapshotPages: cfg.Target.SnapshotPages,
	}, pool, extract.Noop{}, jobs, records, blobs, limiter, policy, breaker, a.hooks, notifier, logger)

	a.sched = scheduler.New(scheduler.Config{
		Concurrency:  cfg.Jobs.Concurrency,
		PollInterval: cfg.PollInterval(),
	}, jobs, exec, a.hooks, notifier, clock, ids, logger)
	a.reaper = scheduler.NewReaper(scheduler.ReaperConfig{
		StallTimeout: cfg.StallTimeout(),
		Interval:     time.Duration(cfg.Jobs.ReapSweepSeconds) * time.Second,
	}, jobs, a.sched, clock, logger)

	exporter := export.New(jobs, records, blobs, a.hooks, clock, logger)

	apiCfg := api.Config{RequestTimeout: time.Duration(cfg.Server.TimeoutSeconds) * time.Second}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	server := api.NewServer(apiCfg, a.sched, jobs, records, a.hooks, exporter, logger)
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("services initialized")
	return a, nil
}

// Run starts the background loops and the HTTP server, blocking until the
// context finishes or the server fails.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.sched.Run(runCtx)
	go a.reaper.Run(runCtx)
	go a.hooks.Run(runCtx)
	if a.rotator != nil {
		go a.rotator.Run(runCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown failed", zap.Error(err))
	}
	return nil
}

// Close releases every held resource. Called once after Run returns.
func (a *App) Close() {
	a.logger.Info("shutting down services")
	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if a.pool != nil {
		if err := a.pool.Close(closeCtx); err != nil {
			a.logger.Warn("session pool close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.psClient != nil {
		if err := a.psClient.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
