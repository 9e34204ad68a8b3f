package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"storeflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	db      *gorm.DB
	rdb     redis.UniversalClient
	breaker *services.SchedulerBreaker
	feed    *services.RunFeed
	version string
}

// HealthOption configures optional dependencies of the health check.
type HealthOption func(*HealthHandler)

func WithRedis(rdb redis.UniversalClient) HealthOption {
	return func(h *HealthHandler) { h.rdb = rdb }
}

func WithBreaker(b *services.SchedulerBreaker) HealthOption {
	return func(h *HealthHandler) { h.breaker = b }
}

func WithFeed(f *services.RunFeed) HealthOption {
	return func(h *HealthHandler) { h.feed = f }
}

func NewHealthHandler(db *gorm.DB, version string, opts ...HealthOption) *HealthHandler {
	h := &HealthHandler{db: db, version: version}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health 健康检查端点。依赖不可用时返回 degraded，但仍为 200
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	checks := map[string]func(context.Context) ServiceInfo{"database": h.checkDatabase}
	if h.rdb != nil {
		checks["redis"] = h.checkRedis
	}
	for name, check := range checks {
		info := check(ctx)
		resp.Services[name] = info
		if info.Status != "healthy" {
			resp.Status = "degraded"
		}
	}

	if h.breaker != nil {
		info := ServiceInfo{Status: "healthy", Details: h.breaker.Stats()}
		if h.breaker.State() == services.BreakerOpen {
			info.Status = "unhealthy"
			resp.Status = "degraded"
		}
		resp.Services["scheduler"] = info
	}
	if h.feed != nil {
		resp.Services["run_feed"] = ServiceInfo{Status: "healthy", Details: gin.H{"clients": h.feed.ClientCount()}}
	}

	c.JSON(http.StatusOK, resp)
}

// Ready 就绪检查，只检查数据库
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	info := h.checkDatabase(ctx)
	if info.Status != "healthy" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "database": info})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "database": info})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	if h.db == nil {
		return ServiceInfo{Status: "unhealthy", Error: "database not configured"}
	}
	start := time.Now()
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		return ServiceInfo{Status: "unhealthy", Error: err.Error()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}

func (h *HealthHandler) checkRedis(ctx context.Context) ServiceInfo {
	start := time.Now()
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		return ServiceInfo{Status: "unhealthy", Error: err.Error()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}
