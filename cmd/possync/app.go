package main

import (
	"context"
	"fmt"
	"time"

	"possync/internal/backend"
	"possync/internal/config"
	"possync/internal/database"
	"possync/internal/domain"
	"possync/internal/events"
	"possync/internal/executor"
	"possync/internal/logging"
	"possync/internal/models"
	"possync/internal/network"
	"possync/internal/queue"
	"possync/internal/repository"
	"possync/internal/service"
	"possync/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app is the fully wired client: store, queue, backend, monitor, orchestrator
// and the operation service on top.
type app struct {
	cfg    *config.Config
	logger *zerolog.Logger

	redis   *redis.Client
	store   domain.OperationStore
	queue   *queue.Queue
	backend backend.Backend
	closeFn func() error

	registry *executor.Registry
	monitor  *network.Monitor
	bus      *events.EventBus
	orch     *worker.Orchestrator
	svc      *service.OperationService
	view     *service.InvoiceView

	unsubscribe []func()
}

// openQueue opens the configured store and loads the queue from it.
func openQueue(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*queue.Queue, domain.OperationStore, *redis.Client, error) {
	redisClient := initRedis(ctx, cfg, logger)

	store, err := openStore(cfg, redisClient, logger)
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, nil, nil, err
	}

	q := queue.New(store, queue.Options{MaxSize: cfg.Queue.MaxSize, MaxAttempts: cfg.Queue.MaxAttempts}, logging.Component(logger, "queue"))
	if err := q.Load(ctx); err != nil {
		// The queue starts empty and the stored snapshot is folded back in on
		// the first write that can read it.
		logger.Error().Err(err).Msg("Failed to load queued operations")
	}
	logger.Info().Int("operations", q.Size()).Str("driver", cfg.Store.Driver).Msg("Queue loaded")
	return q, store, redisClient, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*app, error) {
	q, store, redisClient, err := openQueue(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, redis: redisClient, store: store, queue: q, bus: events.NewEventBus()}

	prober, err := a.initBackend()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.registry = executor.NewRegistry(cfg.App.Development(), logging.Component(logger, "executor"))
	if err := backend.RegisterExecutors(a.registry, a.backend); err != nil {
		a.Close()
		return nil, err
	}

	monitorOpts := []network.Option{}
	if !cfg.Network.CheckLink {
		monitorOpts = append(monitorOpts, network.WithLinkChecker(network.AlwaysUp))
	}
	a.monitor = network.NewMonitor(network.Config{
		ProbeInterval:        cfg.Network.ProbeInterval,
		OfflineProbeInterval: cfg.Network.OfflineProbeInterval,
		ProbeTimeout:         cfg.Network.ProbeTimeout,
		ErrorWindow:          cfg.Network.ErrorWindow,
		MinSamples:           cfg.Network.MinSamples,
		OfflineAfterErrors:   cfg.Network.OfflineAfterErrors,
		OfflineErrorRate:     cfg.Network.OfflineErrorRate,
	}, prober, logging.Component(logger, "network"), monitorOpts...)

	a.orch = worker.NewOrchestrator(a.queue, a.registry, a.monitor, a.bus, worker.Options{
		Interval:         cfg.Sync.Interval,
		ExecutionTimeout: cfg.Sync.ExecutionTimeout,
		Retry:            worker.RetryPolicyFromConfig(cfg.Sync.Retry),
	}, logging.Component(logger, "sync"))

	a.view = service.NewInvoiceView(a.backend, logging.Component(logger, "invoices"))
	a.orch.AddRefresher(a.view)

	a.svc = service.NewOperationService(a.queue, a.registry, a.monitor, a.orch, a.bus, cfg.Sync.ExecutionTimeout, logging.Component(logger, "operations"))
	a.svc.SetInvoiceTracker(a.view)

	a.unsubscribe = append(a.unsubscribe,
		a.queue.OnChange(func(models.QueueCounts) { a.svc.PublishStatus() }),
		a.monitor.Subscribe(a.svc.NetworkChanged),
	)
	return a, nil
}

func (a *app) initBackend() (network.Prober, error) {
	cfg := a.cfg.Backend
	switch cfg.Transport {
	case config.TransportGRPC:
		client, err := backend.NewGRPCClient(backend.GRPCOptions{
			Address:  cfg.GRPCAddress,
			APIKey:   cfg.APIKey,
			APIExtra: cfg.APIExtra,
			Timeout:  cfg.Timeout,
			TLS:      cfg.TLS,
		}, logging.Component(a.logger, "backend"))
		if err != nil {
			return nil, err
		}
		a.backend = client
		a.closeFn = client.Close
		return backend.HealthProber{Backend: client}, nil
	default:
		client := backend.NewHTTPClient(backend.HTTPOptions{
			BaseURL:    cfg.URL,
			HealthPath: cfg.HealthPath,
			APIKey:     cfg.APIKey,
			APIExtra:   cfg.APIExtra,
			Timeout:    cfg.Timeout,
		})
		if a.redis != nil && cfg.InvoiceCacheTTL > 0 {
			client.UseRedisCache(a.redis, cfg.InvoiceCacheTTL)
		}
		a.backend = client
		return network.NewHTTPProber(client.HTTP(), client.HealthURL()), nil
	}
}

// Start launches the monitor and orchestrator loops.
func (a *app) Start(ctx context.Context) {
	a.monitor.Start(ctx)
	a.orch.Start(ctx)
}

// Close stops the loops and releases the store and backend connections.
func (a *app) Close() {
	for _, unsub := range a.unsubscribe {
		unsub()
	}
	if a.orch != nil {
		a.orch.Stop()
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.closeFn != nil {
		if err := a.closeFn(); err != nil {
			a.logger.Warn().Err(err).Msg("Backend close failed")
		}
	}
	closeStore(a.store, a.redis, a.cfg, a.logger)
}

func closeStore(store domain.OperationStore, redisClient *redis.Client, cfg *config.Config, logger *zerolog.Logger) {
	if err := store.Close(); err != nil {
		logger.Warn().Err(err).Msg("Store close failed")
	}
	// The redis store closes the shared client itself.
	if redisClient != nil && cfg.Store.Driver != config.DriverRedis {
		_ = redisClient.Close()
	}
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed")
		if cfg.Store.Driver != config.DriverRedis {
			_ = redisClient.Close()
			return nil
		}
		// The failover store takes over until redis comes back.
		return redisClient
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func openStore(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) (domain.OperationStore, error) {
	primary, err := openDriver(cfg.Store.Driver, cfg.Store.Path, cfg, redisClient, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Fallback == "" {
		return primary, nil
	}

	fallback, err := openDriver(cfg.Store.Fallback, cfg.Store.FallbackPath, cfg, redisClient, logger)
	if err != nil {
		_ = primary.Close()
		return nil, fmt.Errorf("open fallback store: %w", err)
	}
	return repository.NewFailoverOperationStore(primary, fallback, cfg.Store.FailoverRecheck, logging.Component(logger, "store")), nil
}

func openDriver(driver, path string, cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) (domain.OperationStore, error) {
	storeLogger := logging.Component(logger, "store")
	switch driver {
	case config.DriverSQLite:
		db, err := database.NewDB(path, storeLogger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", path, err)
		}
		return db, nil
	case config.DriverFile:
		return repository.NewFileOperationStore(path, storeLogger)
	case config.DriverRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("redis store requires redis.address")
		}
		return repository.NewRedisOperationStore(redisClient, cfg.Store.RedisKey, storeLogger), nil
	case config.DriverMemory:
		return repository.NewMemoryOperationStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
