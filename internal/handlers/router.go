package handlers

import (
	"storeflow/internal/config"
	"storeflow/internal/middleware"
	"storeflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

// RouterDeps is everything NewRouter mounts.
type RouterDeps struct {
	DB      *gorm.DB
	Redis   redis.UniversalClient
	Engine  *services.Engine
	Breaker *services.SchedulerBreaker
	Logger  *logrus.Logger
	Version string
}

// NewRouter builds the HTTP surface: health, metrics, the signed resume
// callback and the authenticated admin API.
func NewRouter(cfg *config.Config, deps RouterDeps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	opts := []HealthOption{WithFeed(deps.Engine.Feed)}
	if deps.Redis != nil {
		opts = append(opts, WithRedis(deps.Redis))
	}
	if deps.Breaker != nil {
		opts = append(opts, WithBreaker(deps.Breaker))
	}
	health := NewHealthHandler(deps.DB, deps.Version, opts...)
	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)

	if cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.Handler()))
	}

	signing := cfg.Automation.Signing
	verify := middleware.VerifySignature(deps.Engine.Verifier, signing.Header, signing.AllowUnsigned, logger)
	RegisterResumeRoutes(r, NewResumeHandler(deps.Engine.Coordinator, logger), verify)

	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))
	api.Use(middleware.RateLimitMiddleware(cfg))
	RegisterAutomationRoutes(api, NewAutomationHandler(deps.Engine, logger))

	return r
}
