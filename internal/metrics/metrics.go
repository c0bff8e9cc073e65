package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sketchroom_ws_connections",
		Help: "Current number of active websocket connections",
	})
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sketchroom_active_rooms",
		Help: "Number of rooms held in the in-process registry",
	})
	StrokesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sketchroom_strokes_total",
		Help: "Stroke segments submitted, by outcome",
	}, []string{"result"})
	ImagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sketchroom_images_total",
		Help: "Completed image records, by transfer path",
	}, []string{"path"})
	ImageChunkSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sketchroom_image_chunk_sessions",
		Help: "Image transfer sessions currently buffering chunks",
	})
	RoomsEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sketchroom_rooms_evicted_total",
		Help: "Rooms removed from the registry, by reason",
	}, []string{"reason"})
	PresenceCorrections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sketchroom_presence_corrections_total",
		Help: "Member count corrections applied by reconciliation",
	})
	StoreAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sketchroom_store_available",
		Help: "1 when the external state store is configured and not degraded",
	})
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sketchroom_store_errors_total",
		Help: "Failed state store operations, by operation",
	}, []string{"operation"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, ActiveRooms, StrokesTotal, ImagesTotal, ImageChunkSessions,
		RoomsEvicted, PresenceCorrections, StoreAvailable, StoreErrors,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
