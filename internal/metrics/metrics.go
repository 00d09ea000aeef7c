// Package metrics provides Prometheus instrumentation for the peervault platform.
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
			Namespace: "peervault",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peervault",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowOpsTotal counts escrow ledger operations by kind and outcome.
	EscrowOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "escrow_ops_total",
			Help:      "Total escrow ledger operations by kind (lock/release/refund/adjust) and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// TradesTotal counts trades reaching a terminal status.
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "trades_total",
			Help:      "Total trades by terminal status.",
		},
		[]string{"status"},
	)

	// TradeDuration observes time from trade creation to terminal state.
	TradeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "peervault",
		Name:      "trade_duration_seconds",
		Help:      "Time from trade creation to completion/cancellation in seconds.",
		Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 86400},
	})

	// DisputesOpenedTotal counts disputes opened by category.
	DisputesOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "disputes_opened_total",
			Help:      "Total disputes opened by category.",
		},
		[]string{"category"},
	)

	// DisputesResolvedTotal counts disputes resolved by outcome.
	DisputesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "disputes_resolved_total",
			Help:      "Total disputes resolved by outcome.",
		},
		[]string{"outcome"},
	)

	// DisputesEscalatedTotal counts dispute auto-escalations.
	DisputesEscalatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peervault",
		Name:      "disputes_escalated_total",
		Help:      "Total disputes auto-escalated past their SLA deadline.",
	})

	// DisputeResolutionDuration observes time from dispute open to resolution.
	DisputeResolutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "peervault",
		Name:      "dispute_resolution_duration_seconds",
		Help:      "Time from dispute open to resolution in seconds.",
		Buckets:   []float64{300, 1800, 3600, 14400, 86400, 259200, 604800},
	})

	// PendingTransfers tracks escrow transactions awaiting chain confirmation.
	PendingTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peervault",
		Name:      "pending_transfers",
		Help:      "Escrow transactions with a submitted but unconfirmed chain transfer.",
	})

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peervault",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// CleanupItemsTotal counts reconciliation items by pass and result.
	CleanupItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "cleanup_items_total",
			Help:      "Reconciliation worker items by pass (orphaned_locks/balance_drift/expired_orders/stale_trades) and result.",
		},
		[]string{"pass", "result"},
	)

	// CleanupLastRun records the unix time of the last completed sweep.
	CleanupLastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peervault",
		Name:      "cleanup_last_run_timestamp_seconds",
		Help:      "Unix timestamp of the last completed reconciliation sweep.",
	})

	// BalanceDriftDetected counts balances found out of sync with the chain.
	BalanceDriftDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peervault",
		Name:      "balance_drift_detected_total",
		Help:      "Balances whose internal total diverged from the external ledger beyond epsilon.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peervault", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peervault", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peervault", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peervault", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowOpsTotal,
		TradesTotal,
		TradeDuration,
		DisputesOpenedTotal,
		DisputesResolvedTotal,
		DisputesEscalatedTotal,
		DisputeResolutionDuration,
		PendingTransfers,
		WebhookDeliveriesTotal,
		ActiveWebSocketClients,
		CleanupItemsTotal,
		CleanupLastRun,
		BalanceDriftDetected,
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
