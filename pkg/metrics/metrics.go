package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sandbox metrics
	SandboxesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matrx_sandboxes_total",
			Help: "Number of sandbox records by status",
		},
		[]string{"status"},
	)

	SandboxCreatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrx_sandbox_creates_total",
			Help: "Total number of sandbox create operations by outcome",
		},
		[]string{"outcome"},
	)

	SandboxDestroysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrx_sandbox_destroys_total",
			Help: "Total number of sandbox destroy operations by reason",
		},
		[]string{"reason"},
	)

	SandboxStartupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matrx_sandbox_startup_duration_seconds",
			Help:    "Time from container create to readiness in seconds",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 90, 120},
		},
	)

	// Exec metrics
	ExecsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrx_execs_total",
			Help: "Total number of in-sandbox command executions by outcome",
		},
		[]string{"outcome"},
	)

	ExecDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matrx_exec_duration_seconds",
			Help:    "In-sandbox command execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Background loop metrics
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matrx_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matrx_reconciliation_duration_seconds",
			Help:    "Reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SandboxesExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matrx_sandboxes_expired_total",
			Help: "Total number of sandboxes expired by TTL",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrx_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matrx_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SandboxesTotal)
	prometheus.MustRegister(SandboxCreatesTotal)
	prometheus.MustRegister(SandboxDestroysTotal)
	prometheus.MustRegister(SandboxStartupDuration)
	prometheus.MustRegister(ExecsTotal)
	prometheus.MustRegister(ExecDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(SandboxesExpiredTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
