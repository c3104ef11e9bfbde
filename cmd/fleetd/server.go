package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/api"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/audit"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/discovery"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/docker"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/failover"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/ratelimit"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/reconcile"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/registry"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/scheduler"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/store"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/workers"
	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitRuntimeError    = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// App
// =============================================================================

// App is the wired set of fleet components. Every command builds one.
type App struct {
	Store     *store.SQLiteStore
	Pool      *docker.HostPool
	Registry  *registry.Registry
	Engine    *reconcile.Engine
	Scanner   *discovery.Scanner
	Placement *scheduler.Service
	Failover  *failover.Controller

	redis  *redis.Client
	kafka  *audit.KafkaSink
	logger *slog.Logger
}

// NewApp opens the store and wires the components from cfg.
func NewApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*App, error) {
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{Op: "NewApp", Err: err, ExitCode: ExitDatabaseError}
	}
	app := &App{Store: s, logger: logger}

	sinks := audit.Multi{audit.NewLogSink(logger)}
	if len(cfg.Audit.KafkaBrokers) > 0 {
		app.kafka = audit.NewKafkaSink(cfg.Audit.KafkaBrokers, cfg.Audit.Topic, logger)
		sinks = append(sinks, app.kafka)
		logger.Info("audit kafka sink enabled", "brokers", cfg.Audit.KafkaBrokers, "topic", cfg.Audit.Topic)
	}

	factory := docker.NewClientFactory(cfg.Runtime.DockerConfig(),
		docker.WithAuditSink(sinks),
		docker.WithLogger(logger),
	)
	app.Pool = docker.NewHostPool(factory, cfg.Runtime.PoolConfig(), logger)

	app.Registry = registry.New(s, app.Pool,
		registry.NewNetProber(app.Pool, cfg.Health.NodeTimeout),
		cfg.Health.RegistryConfig(), logger,
		registry.WithAuditSink(sinks),
	)

	limiter := ratelimit.NewHostLimiter(
		ratelimit.NewExpiringCache(cfg.Reconcile.LimiterMaxSize, cfg.Reconcile.LimiterTTL),
		cfg.Reconcile.MinHostInterval, nil,
	)
	app.Engine = reconcile.New(s, app.Pool, limiter, cfg.Reconcile.EngineConfig(), logger)

	var cache discovery.ListingCache
	if cfg.Redis.Addr != "" {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := app.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, discovery cache disabled", "addr", cfg.Redis.Addr, "error", err)
			app.redis.Close()
			app.redis = nil
		} else {
			cache = discovery.NewRedisCache(app.redis, cfg.Discovery.CacheTTL)
			logger.Info("discovery cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Discovery.CacheTTL)
		}
	}
	app.Scanner = discovery.NewScanner(s, app.Pool, app.Engine, cache, logger)

	schedCfg := cfg.Placement.SchedulerConfig()
	app.Placement = scheduler.NewService(s, app.Registry, schedCfg, logger)

	foOpts := []failover.Option{failover.WithAuditSink(sinks)}
	if schedCfg.Mapping != nil {
		foOpts = append(foOpts, failover.WithMapping(schedCfg.Mapping))
	}
	app.Failover = failover.New(s, app.Registry, app.Placement, logger, foOpts...)

	return app, nil
}

// Close releases connections held by the app.
func (a *App) Close() {
	if err := a.Pool.CloseAll(); err != nil {
		a.logger.Error("host pool close error", "error", err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Error("kafka sink close error", "error", err)
		}
	}
	if err := a.Store.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}
}

// =============================================================================
// Server
// =============================================================================

// Server is the long-running fleet controller.
type Server struct {
	config        *Config
	app           *App
	httpServer    *http.Server
	healthChecker *workers.HealthChecker
	syncWorker    *workers.SyncWorker
	logger        *slog.Logger
}

// NewServer wires the app, the background workers and the HTTP API.
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var syncWorker *workers.SyncWorker
	if cfg.Reconcile.Enabled {
		syncWorker = workers.NewSyncWorker(app.Engine, cfg.Reconcile.WorkerConfig(), logger)
	} else {
		logger.Info("background reconciliation disabled")
	}

	healthChecker := workers.NewHealthChecker(app.Registry, app.Failover, cfg.Health.CheckerConfig(), logger)

	handler := api.NewHandler(api.Services{
		Registry:  app.Registry,
		Engine:    app.Engine,
		Scanner:   app.Scanner,
		Placement: app.Placement,
		Failover:  app.Failover,
		Sync:      syncWorker,
		Clients:   app.Pool,
	}, logger)

	return &Server{
		config: cfg,
		app:    app,
		httpServer: &http.Server{
			Addr:         cfg.Server.Address(),
			Handler:      handler.Routes(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		healthChecker: healthChecker,
		syncWorker:    syncWorker,
		logger:        logger,
	}, nil
}

// Start starts the workers and the HTTP server and blocks until ctx is
// cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	s.healthChecker.Start()
	if s.syncWorker != nil {
		s.syncWorker.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		runErr = &ServerError{Op: "Start", Err: err, ExitCode: ExitHTTPServerError}
	}

	s.Shutdown(context.Background())
	return runErr
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.healthChecker.Stop()
	if s.syncWorker != nil {
		s.syncWorker.Stop()
	}

	s.app.Close()
	s.logger.Info("shutdown complete")
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
