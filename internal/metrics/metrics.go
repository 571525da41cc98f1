// Package metrics provides Prometheus instrumentation for the pool engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DepositsTotal counts pool deposits.
	DepositsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pxb_pool_deposits_total",
		Help: "Total number of pool deposits",
	})

	// DepositVolume accumulates deposited PXB.
	DepositVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pxb_pool_deposit_volume_total",
		Help: "Cumulative deposited PXB",
	})

	// TradesTotal counts simulated trades, partitioned by direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pxb_pool_trades_total",
		Help: "Total number of simulated trades",
	}, []string{"direction"})

	// WithdrawalsTotal counts settled withdrawals.
	WithdrawalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pxb_pool_withdrawals_total",
		Help: "Total number of settled withdrawals",
	})

	// SolvencyClampsTotal counts payouts reduced to the pool balance.
	SolvencyClampsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pxb_pool_solvency_clamps_total",
		Help: "Withdrawals whose payout was clamped to the pool balance",
	})

	// VaultFeesTotal accumulates PXB diverted to the vault.
	VaultFeesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pxb_pool_vault_fees_total",
		Help: "Cumulative PXB diverted to the vault",
	})

	// PoolSize tracks the current pool balance.
	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pxb_pool_size",
		Help: "PXB currently backing open positions",
	})

	// VaultBalance tracks the current vault balance.
	VaultBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pxb_pool_vault_balance",
		Help: "Accumulated vault fee reserve in PXB",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pxb_pool_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pxb_pool_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
