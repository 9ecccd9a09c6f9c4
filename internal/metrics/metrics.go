// Package metrics holds the process-wide Prometheus collectors shared by
// packages that have no metrics file of their own, plus the HTTP middleware
// and /metrics handler.
package metrics

import (
	"database/sql"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lendbridge"

var (
	// HTTPRequestsTotal counts HTTP requests by method, route and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// NotificationsTotal counts post-commit lifecycle notifications by sink
	// and result. A failed publish never fails the escrow operation.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Escrow lifecycle notifications by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// EscrowSettleDuration observes time from creation to a terminal status.
	EscrowSettleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "escrow_settle_duration_seconds",
		Help:      "Time from escrow creation to release or refund in seconds.",
		Buckets:   []float64{10, 60, 300, 1800, 3600, 21600, 86400, 604800},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		NotificationsTotal,
		ActiveWebSocketClients,
		EscrowSettleDuration,
	)
}

// RegisterDB exports db's pool statistics as go_sql_* metrics labelled
// db_name="lendbridge". The returned func removes them again. Registering
// a second pool while the first is still exported is a no-op.
func RegisterDB(db *sql.DB) (unregister func()) {
	c := collectors.NewDBStatsCollector(db, namespace)
	if err := prometheus.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return func() {}
		}
		panic(err)
	}
	return func() { prometheus.Unregister(c) }
}

// Middleware records request count and latency under the matched route
// pattern. Unmatched requests share one label so random paths cannot grow
// the series count.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry for GET /metrics.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusBucket groups HTTP status codes into classes.
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
