// Package metrics provides Prometheus instrumentation for the engine.
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
			Namespace: "pesarail",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pesarail",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsTotal counts escrow records entering a status, by type.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pesarail",
			Name:      "transactions_total",
			Help:      "Total escrow status transitions by transaction type and new status.",
		},
		[]string{"type", "status"},
	)

	// ReconciliationCorrectionsTotal counts status corrections by rule.
	ReconciliationCorrectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pesarail",
			Name:      "reconciliation_corrections_total",
			Help:      "Total reconciliation status corrections by rule.",
		},
		[]string{"rule"},
	)

	// ReconciliationSweepsTotal counts completed reconciliation sweeps.
	ReconciliationSweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pesarail",
		Name:      "reconciliation_sweeps_total",
		Help:      "Total reconciliation sweeps completed.",
	})

	// GatewayCallbacksTotal counts mobile-money callbacks by result.
	GatewayCallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pesarail",
			Name:      "gateway_callbacks_total",
			Help:      "Total mobile-money gateway callbacks by result.",
		},
		[]string{"result"},
	)

	// ChainConfirmationsTotal counts chain confirmation events by outcome.
	ChainConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pesarail",
			Name:      "chain_confirmations_total",
			Help:      "Total blockchain confirmation events by outcome.",
		},
		[]string{"outcome"},
	)

	// RetryExhaustedTotal counts records routed to manual intervention
	// after the retry budget ran out.
	RetryExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pesarail",
		Name:      "retry_exhausted_total",
		Help:      "Total transactions routed to manual intervention after exhausted retries.",
	})

	// InterventionQueueDepth tracks pending manual interventions.
	InterventionQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pesarail",
		Name:      "intervention_queue_depth",
		Help:      "Number of transactions awaiting manual intervention.",
	})

	// RateCacheHits counts rate lookups served from cache.
	RateCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pesarail",
		Name:      "rate_cache_hits_total",
		Help:      "Total conversion-rate lookups served from cache.",
	})

	// RateCacheMisses counts rate lookups that required a refresh.
	RateCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pesarail",
		Name:      "rate_cache_misses_total",
		Help:      "Total conversion-rate lookups that missed the cache.",
	})

	// RateFallbacksTotal counts rates served from the static fallback table.
	RateFallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pesarail",
		Name:      "rate_fallbacks_total",
		Help:      "Total conversion rates served from the static fallback table.",
	})

	// TreasuryWithdrawalsTotal counts authorized platform withdrawals.
	TreasuryWithdrawalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pesarail",
			Name:      "treasury_withdrawals_total",
			Help:      "Total platform treasury operations by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected realtime stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pesarail",
		Name:      "websocket_clients",
		Help:      "Number of connected WebSocket stream clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pesarail", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pesarail", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pesarail", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pesarail", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsTotal,
		ReconciliationCorrectionsTotal,
		ReconciliationSweepsTotal,
		GatewayCallbacksTotal,
		ChainConfirmationsTotal,
		RetryExhaustedTotal,
		InterventionQueueDepth,
		RateCacheHits,
		RateCacheMisses,
		RateFallbacksTotal,
		TreasuryWithdrawalsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
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
