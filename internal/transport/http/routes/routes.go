package routes

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arklim/portal-sync/internal/cache"
	"github.com/arklim/portal-sync/internal/infra/config"
	"github.com/arklim/portal-sync/internal/transport/http/handlers"
	"github.com/arklim/portal-sync/internal/transport/http/middleware"
	"github.com/arklim/portal-sync/internal/usecase"
)

// ServiceSet groups the services the HTTP layer depends on.
type ServiceSet struct {
	Access     *usecase.AccessService
	Dashboards *usecase.DashboardService
}

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config       *config.AppConfig
	Logger       *zap.Logger
	RefreshGuard *middleware.RefreshGuard
	HTTPMetrics  *middleware.HTTPMetrics
	Gatherer     prometheus.Gatherer
	Services     ServiceSet
	Cache        *cache.Cache
	Database     DatabaseChecker
	Redis        RedisChecker
	Heartbeat    time.Duration
}

// DatabaseChecker exposes readiness behaviour for database connections.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// RedisChecker exposes readiness behaviour for the Redis backend.
type RedisChecker interface {
	HealthCheck(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.EnrichContext())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))
	r.Use(deps.HTTPMetrics.Handler())
	if len(deps.Config.App.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(deps.Config.App.AllowedOrigins))
	}

	healthOptions := make([]handlers.HealthOption, 0, 2)
	if deps.Database != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("database", deps.Database.Ping))
	}
	if deps.Redis != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("redis", deps.Redis.HealthCheck))
	}
	healthHandler := handlers.NewHealthHandler(healthOptions...)

	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Readiness)

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	} else {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api/v1")
	{
		subjects := api.Group("/subjects/:subject")
		subjects.Use(middleware.RequireSubject(middleware.AuthOptions{
			Secret: deps.Config.JWT.Secret,
			Issuer: deps.Config.JWT.Issuer,
		}))

		if deps.Services.Access != nil {
			handlers.NewAccessHandler(deps.Services.Access).
				WithHeartbeat(deps.Heartbeat).
				RegisterRoutes(subjects, buildRefreshMiddlewares(deps, "access_refresh")...)
		}

		if deps.Services.Dashboards != nil {
			handlers.NewDashboardHandler(deps.Services.Dashboards).
				WithHeartbeat(deps.Heartbeat).
				RegisterRoutes(subjects, buildRefreshMiddlewares(deps, "dashboard_refresh")...)
		}

		if deps.Cache != nil {
			handlers.NewCacheHandler(deps.Cache).RegisterRoutes(subjects)
		}
	}

	return r
}

func buildRefreshMiddlewares(deps Dependencies, scope string) []gin.HandlerFunc {
	if deps.RefreshGuard == nil {
		return nil
	}
	return []gin.HandlerFunc{deps.RefreshGuard.Handler(scope)}
}
