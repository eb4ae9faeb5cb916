package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/arklim/portal-sync/internal/cache"
	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/datasync"
	"github.com/arklim/portal-sync/internal/infra/config"
	"github.com/arklim/portal-sync/internal/infra/database"
	"github.com/arklim/portal-sync/internal/infra/logger"
	redisinfra "github.com/arklim/portal-sync/internal/infra/redis"
	"github.com/arklim/portal-sync/internal/infra/telemetry"
	postgresrepo "github.com/arklim/portal-sync/internal/repository/postgres"
	redisrepo "github.com/arklim/portal-sync/internal/repository/redis"
	"github.com/arklim/portal-sync/internal/transport/http/middleware"
	"github.com/arklim/portal-sync/internal/transport/http/routes"
	"github.com/arklim/portal-sync/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

type Application struct {
	cfg    *config.AppConfig
	engine *gin.Engine
	logger *zap.Logger
	pool   *pgxpool.Pool
	redis  *redisinfra.Client
	cache  *cache.Cache
	tracer *telemetry.TracerProvider
}

func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	tracer, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	syncMetrics, err := telemetry.NewSyncMetrics(telemetry.MetricsOptions{})
	if err != nil {
		return nil, fmt.Errorf("init sync metrics: %w", err)
	}
	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{})
	if err != nil {
		return nil, fmt.Errorf("init http metrics: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	redisClient, err := redisinfra.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init redis: %w", err)
	}

	channel, err := NewNotificationChannel(cfg, redisClient.Redis(), log)
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("init notifications: %w", err)
	}
	log.Info("notification backend selected", zap.String("backend", BackendName(cfg)))

	sharedCache := cache.New(cache.Options{
		SweepInterval: cfg.Cache.SweepInterval,
		Metrics:       syncMetrics,
		Logger:        log,
	})

	retrier := datasync.NewRetrier(datasync.RetryOptions{
		Attempts: cfg.Fetch.MaxAttempts,
		Delay:    cfg.Fetch.RetryDelay,
	}).
		WithLogger(log).
		WithMetrics(syncMetrics).
		WithTracer(tracer.Tracer("portal-sync/datasync"))

	repos := postgresrepo.NewRepositories(pool)

	accessService := usecase.NewAccessService(repos.Facts, sharedCache, retrier, usecase.AccessOptions{
		CacheTTL:             cfg.Access.CacheTTL,
		Debounce:             cfg.Access.Debounce,
		GrantedRecheck:       cfg.Access.GrantedRecheck,
		DeniedRecheck:        cfg.Access.DeniedRecheck,
		InvalidationDebounce: cfg.Invalidation.Debounce,
		Warnings: domain.WarningWindows{
			AccessExpiry: cfg.Access.ExpiryWarningWindow,
			TermEnd:      cfg.Access.TermWarningWindow,
		},
	}).
		WithLogger(log).
		WithInvalidation(channel, syncMetrics)

	dashboardService := usecase.NewDashboardService(repos.Dashboard, sharedCache, retrier, usecase.DashboardOptions{
		CacheTTL:             cfg.Dashboard.CacheTTL,
		MaxConcurrency:       cfg.Dashboard.MaxConcurrency,
		InvalidationDebounce: cfg.Invalidation.Debounce,
	}).
		WithLogger(log).
		WithInvalidation(channel, syncMetrics)

	rateLimitWindow := cfg.RateLimit.WindowDuration
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	rateLimitStore := redisrepo.NewRateLimitRepository(redisClient.Redis(), redisrepo.SlidingWindowConfig{
		KeyPrefix: cfg.RateLimit.KeyPrefix,
		TTL:       rateLimitWindow * 2,
	})
	refreshGuard := middleware.NewRefreshGuard(rateLimitStore, cfg.RateLimit.RefreshMaxAttempts, rateLimitWindow, log)

	engine := routes.Register(routes.Dependencies{
		Config:       cfg,
		Logger:       log,
		RefreshGuard: refreshGuard,
		HTTPMetrics:  httpMetrics,
		Database:     pool,
		Redis:        redisClient,
		Cache:        sharedCache,
		Services: routes.ServiceSet{
			Access:     accessService,
			Dashboards: dashboardService,
		},
	})

	return &Application{
		cfg:    cfg,
		engine: engine,
		logger: log,
		pool:   pool,
		redis:  redisClient,
		cache:  sharedCache,
		tracer: tracer,
	}, nil
}

func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer func() {
		if a.pool != nil {
			a.pool.Close()
		}
	}()
	defer func() {
		if a.redis != nil {
			_ = a.redis.Close()
		}
	}()
	defer func() {
		a.cache.Stop()
		a.cache.Clear()
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.tracer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	a.cache.Start()

	// Stream handlers exit when their request context ends; cancelling the base context ends them
	// all so Shutdown does not wait on open streams.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	a.logger.Info("starting portal sync API",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down portal sync API")
		cancelStreams()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-serverErrCh:
		return err
	}
}
