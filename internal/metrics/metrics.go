// Package metrics provides Prometheus instrumentation for the Guthwine platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guthwine",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "guthwine",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthorizationsTotal counts authorization decisions by outcome.
	AuthorizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guthwine",
			Name:      "authorizations_total",
			Help:      "Total authorization requests by decision.",
		},
		[]string{"decision"},
	)

	// AuthorizationDuration observes end-to-end pipeline latency by decision.
	AuthorizationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "guthwine",
			Name:      "authorization_duration_seconds",
			Help:      "Authorization pipeline duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"decision"},
	)

	// MandatesIssuedTotal counts mandates minted on ALLOW decisions.
	MandatesIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guthwine",
		Name:      "mandates_issued_total",
		Help:      "Total mandates issued.",
	})

	// MandateVerificationsTotal counts mandate verifications by result.
	MandateVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guthwine",
			Name:      "mandate_verifications_total",
			Help:      "Total mandate verifications by result.",
		},
		[]string{"result"},
	)

	// DelegationsIssuedTotal counts delegation tokens minted.
	DelegationsIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guthwine",
		Name:      "delegations_issued_total",
		Help:      "Total delegation tokens issued.",
	})

	// AutoFreezesTotal counts agents frozen by anomaly detection.
	AutoFreezesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guthwine",
		Name:      "auto_freezes_total",
		Help:      "Total agents frozen automatically on anomalous behavior.",
	})

	// SemanticEvaluationsTotal counts semantic checks by result.
	SemanticEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guthwine",
			Name:      "semantic_evaluations_total",
			Help:      "Total semantic policy evaluations by result.",
		},
		[]string{"result"},
	)

	// AuditEntriesTotal counts entries appended to the audit ledger.
	AuditEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guthwine",
		Name:      "audit_entries_total",
		Help:      "Total audit ledger entries appended.",
	})

	// ActiveAgents tracks agents currently in ACTIVE status.
	ActiveAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guthwine",
		Name:      "active_agents",
		Help:      "Number of agents currently active.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guthwine",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guthwine", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guthwine", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guthwine", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guthwine", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guthwine", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guthwine", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthorizationsTotal,
		AuthorizationDuration,
		MandatesIssuedTotal,
		MandateVerificationsTotal,
		DelegationsIssuedTotal,
		AutoFreezesTotal,
		SemanticEvaluationsTotal,
		AuditEntriesTotal,
		ActiveAgents,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// ObserveAuthorization records one completed authorization request.
func ObserveAuthorization(decision string, seconds float64) {
	AuthorizationsTotal.WithLabelValues(decision).Inc()
	AuthorizationDuration.WithLabelValues(decision).Observe(seconds)
}

// IncMandatesIssued records one mandate minted.
func IncMandatesIssued() {
	MandatesIssuedTotal.Inc()
}

// IncAutoFreeze records one anomaly-triggered agent freeze.
func IncAutoFreeze() {
	AutoFreezesTotal.Inc()
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
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
