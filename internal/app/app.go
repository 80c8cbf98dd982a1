// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/refscout/refscout/internal/api"
	"github.com/refscout/refscout/internal/clock/system"
	"github.com/refscout/refscout/internal/config"
	"github.com/refscout/refscout/internal/extract"
	"github.com/refscout/refscout/internal/kv"
	"github.com/refscout/refscout/internal/logging"
	"github.com/refscout/refscout/internal/metrics"
	"github.com/refscout/refscout/internal/notify"
	"github.com/refscout/refscout/internal/queue"
	"github.com/refscout/refscout/internal/redirects"
	"github.com/refscout/refscout/internal/refs"
	"github.com/refscout/refscout/internal/scan"
	"github.com/refscout/refscout/internal/scheduler"
	"github.com/refscout/refscout/internal/source"
	"github.com/refscout/refscout/internal/status"
	memstore "github.com/refscout/refscout/internal/storage/memory"
	pgstore "github.com/refscout/refscout/internal/storage/postgres"
	"github.com/refscout/refscout/internal/urlnorm"
)

// App holds the shared, long-lived services for the scanner process.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Orchestrator *scan.Orchestrator
	Server       *api.Server
	Timer        *scheduler.Timer
	Maintenance  *scheduler.Maintenance

	closers []func() error
}

// New builds the service graph from config, failing fast when any critical
// dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	metrics.Init()

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	if len(cfg.Sites) == 0 {
		return nil, fmt.Errorf("at least one site must be configured")
	}

	a := &App{Config: cfg, Logger: logger}

	normalizer := urlnorm.New(cfg.Sites)
	clk := system.New()

	var (
		refStore      refs.ReferenceStore
		redirectStore refs.RedirectRuleStore
		stateStore    refs.ScanStateStore
	)
	switch cfg.Storage.Backend {
	case "postgres":
		logger.Info("connecting to postgres")
		pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
			DSN:      cfg.Storage.DSN,
			MaxConns: cfg.Storage.MaxConns,
			MinConns: cfg.Storage.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if refStore, err = pgstore.NewReferenceStore(pool, cfg.Storage.ReferencesTable); err != nil {
			return nil, err
		}
		if redirectStore, err = pgstore.NewRedirectRuleStore(pool, cfg.Storage.RedirectsTable); err != nil {
			return nil, err
		}
		if stateStore, err = pgstore.NewScanStateStore(pool, cfg.Storage.ScanStatesTable); err != nil {
			return nil, err
		}
	default:
		logger.Info("using in-memory storage")
		refStore = memstore.NewReferenceStore()
		redirectStore = memstore.NewRedirectRuleStore(nil)
		stateStore = memstore.NewScanStateStore()
	}

	var (
		keyValue refs.KeyValue
		lock     refs.Lock
	)
	if cfg.Redis.Enabled {
		logger.Info("connecting to redis", zap.String("addr", cfg.Redis.Addr))
		redisKV, err := kv.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("initialize redis: %w", err)
		}
		a.closers = append(a.closers, redisKV.Close)
		keyValue = redisKV
		lock = kv.NewRedisLock(redisKV, cfg.Redis.LockKey)
	} else {
		logger.Info("using in-memory cache and lock")
		keyValue = kv.NewMemory()
		lock = kv.NewLockRegistry().NewLock(cfg.Redis.LockKey)
	}

	queues, err := queue.NewFileQueue(cfg.Scan.QueueDir, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize queues: %w", err)
	}

	checker := status.NewChecker(status.CheckerConfig{
		Timeout:          cfg.StatusTimeout(),
		RateLimitBackoff: time.Duration(cfg.Status.BackoffSeconds) * time.Second,
		UserAgent:        cfg.Status.UserAgent,
		PerHostRPS:       cfg.Status.PerHostRPS,
		PerHostBurst:     cfg.Status.PerHostBurst,
	}, clk, logger)
	cache := status.NewSessionCache(
		keyValue,
		checker,
		clk,
		time.Duration(cfg.Status.FreshnessMinutes)*time.Minute,
		time.Duration(cfg.Status.CacheTTLMinutes)*time.Minute,
		logger,
	)

	correlator := redirects.New(redirectStore, normalizer, cfg.Sites, logger)

	var contentSource refs.ContentSource
	if cfg.Storage.FixturePath != "" {
		fixture, err := source.LoadFixture(cfg.Storage.FixturePath)
		if err != nil {
			return nil, fmt.Errorf("load content fixture: %w", err)
		}
		contentSource = fixture
	} else {
		contentSource = source.NewFixture()
	}

	extractor := extract.New(normalizer, cache, correlator, contentSource, extract.Config{
		IgnoreBlocks:  cfg.Extract.IgnoreBlocks,
		CheckStatuses: cfg.Extract.CheckStatuses,
	}, logger)

	var publisher refs.Publisher
	switch cfg.Notify.Backend {
	case "pubsub":
		logger.Info("connecting to pubsub", zap.String("project", cfg.Notify.ProjectID))
		ps, err := notify.NewPubSub(ctx, cfg.Notify.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("initialize pubsub: %w", err)
		}
		a.closers = append(a.closers, ps.Close)
		publisher = ps
	default:
		publisher = notify.NewMemory()
	}

	a.Timer = scheduler.NewTimer()

	a.Orchestrator = scan.New(
		scan.Config{
			SiteID:          cfg.Scan.SiteID,
			TimeBudget:      cfg.TimeBudget(),
			MemoryCeiling:   uint64(cfg.Scan.MemoryCeilingMB) << 20,
			MemoryFraction:  cfg.Scan.MemoryFraction,
			LockTTL:         cfg.LockTTL(),
			GroupSize:       cfg.Scan.GroupSize,
			ContinueDelay:   time.Duration(cfg.Scan.ContinueDelayMs) * time.Millisecond,
			CompletionTopic: cfg.Notify.TopicName,
		},
		queues,
		contentSource,
		extractor,
		refStore,
		stateStore,
		cache,
		lock,
		a.Timer,
		publisher,
		clk,
		logger,
	)

	a.Server = api.NewServer(a.Orchestrator, cfg, logger)

	if cfg.Maintenance.Enabled {
		run := func(ctx context.Context) error {
			_, err := a.Orchestrator.Start(ctx, refs.ScanMaintenanceStatus, "maintenance")
			if errors.Is(err, refs.ErrAlreadyRunning) || errors.Is(err, refs.ErrNoWork) {
				return nil
			}
			return err
		}
		a.Maintenance = scheduler.NewMaintenance(
			scheduler.Frequency(cfg.Maintenance.Frequency),
			cfg.Maintenance.Hour,
			clk,
			a.Timer,
			run,
			logger,
		)
	}

	logger.Info("application services initialized")
	return a, nil
}

// Close shuts down background work and external connections.
func (a *App) Close() {
	if a.Timer != nil {
		a.Timer.Stop()
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.Logger.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}
