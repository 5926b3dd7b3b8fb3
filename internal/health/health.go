package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// HealthChecker manages health check state and metrics
type HealthChecker struct {
	db        *gorm.DB
	redis     *redis.Client
	ready     atomic.Bool
	startTime time.Time
	version   string
}

// Prometheus metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preferences_service_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "preferences_service_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	dbConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "preferences_service_db_connection_status",
		Help: "Database connection status (1 = connected, 0 = disconnected)",
	})

	redisConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "preferences_service_redis_connection_status",
		Help: "Redis connection status (1 = connected, 0 = disconnected)",
	})

	serviceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "preferences_service_info",
			Help: "Service information",
		},
		[]string{"version"},
	)

	resolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preferences_service_resolutions_total",
			Help: "Total number of preference resolutions by satisfying tier and cache outcome",
		},
		[]string{"tier", "cache"},
	)

	resolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "preferences_service_resolution_duration_seconds",
		Help:    "Preference resolution duration in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	})

	preferenceOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preferences_service_operations_total",
			Help: "Total number of preference write operations",
		},
		[]string{"operation", "status"},
	)

	cacheSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preferences_service_cache_sweep_removed_total",
			Help: "Entries removed by scheduled cache sweeps",
		},
		[]string{"table"},
	)
)

// NewHealthChecker creates a new health checker instance. db and redisClient
// may be nil when the service runs without them.
func NewHealthChecker(db *gorm.DB, redisClient *redis.Client, version string) *HealthChecker {
	hc := &HealthChecker{
		db:        db,
		redis:     redisClient,
		startTime: time.Now(),
		version:   version,
	}

	// Set service info metric
	serviceInfo.WithLabelValues(version).Set(1)

	return hc
}

// SetReady marks the service as ready to receive traffic
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// CheckDatabase verifies database connectivity
func (h *HealthChecker) CheckDatabase() error {
	if h.db == nil {
		return nil
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		dbConnectionStatus.Set(0)
		return err
	}

	if err := sqlDB.Ping(); err != nil {
		dbConnectionStatus.Set(0)
		return err
	}

	dbConnectionStatus.Set(1)
	return nil
}

// CheckRedis verifies Redis connectivity. Redis is optional, so a failure
// degrades the service but does not make it unready.
func (h *HealthChecker) CheckRedis(ctx context.Context) error {
	if h.redis == nil {
		return nil
	}
	if err := h.redis.Ping(ctx).Err(); err != nil {
		redisConnectionStatus.Set(0)
		return err
	}
	redisConnectionStatus.Set(1)
	return nil
}

// LivezHandler handles liveness probe requests
func (h *HealthChecker) LivezHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
	})
}

// ReadyzHandler handles readiness probe requests
// Returns 200 only if the service can handle traffic (DB connected)
func (h *HealthChecker) ReadyzHandler(c *gin.Context) {
	if !h.IsReady() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"reason": "service not initialized",
		})
		return
	}

	if err := h.CheckDatabase(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"reason": "database unavailable",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
	})
}

// HealthHandler handles general health check requests
func (h *HealthChecker) HealthHandler(c *gin.Context) {
	uptime := time.Since(h.startTime)

	dbStatus := "connected"
	if h.db == nil {
		dbStatus = "memory"
	} else if err := h.CheckDatabase(); err != nil {
		dbStatus = "disconnected"
	}

	redisStatus := "connected"
	if h.redis == nil {
		redisStatus = "disabled"
	} else if err := h.CheckRedis(c.Request.Context()); err != nil {
		redisStatus = "disconnected"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "preferences-service",
		"version": h.version,
		"uptime":  uptime.String(),
		"database": gin.H{
			"status": dbStatus,
		},
		"redis": gin.H{
			"status": redisStatus,
		},
	})
}

// MetricsHandler returns Prometheus metrics handler
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// MetricsMiddleware records HTTP request metrics
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()
		statusStr := http.StatusText(status)
		if statusStr == "" {
			statusStr = "unknown"
		}

		// Skip metrics for health/metrics endpoints to avoid noise
		if path != "/livez" && path != "/readyz" && path != "/metrics" && path != "/health" {
			httpRequestsTotal.WithLabelValues(c.Request.Method, path, statusStr).Inc()
			httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
		}
	}
}

// RecordResolution records a preference resolution metric
func RecordResolution(tier string, cacheHit bool, duration time.Duration) {
	cacheLabel := "miss"
	if cacheHit {
		cacheLabel = "hit"
	}
	resolutions.WithLabelValues(tier, cacheLabel).Inc()
	resolutionDuration.Observe(duration.Seconds())
}

// RecordPreferenceOperation records a preference write operation metric
func RecordPreferenceOperation(operation string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	preferenceOperations.WithLabelValues(operation, status).Inc()
}

// RecordCacheSweep records entries removed by a scheduled sweep
func RecordCacheSweep(table string, removed int) {
	cacheSweeps.WithLabelValues(table).Add(float64(removed))
}
