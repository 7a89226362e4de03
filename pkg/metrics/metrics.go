package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	ExAppsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "appapi_exapps_total",
			Help: "Total number of registered ExApps by state",
		},
		[]string{"state"},
	)

	DaemonsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "appapi_daemons_total",
			Help: "Total number of registered daemons by deploy kind",
		},
		[]string{"kind"},
	)

	// Deploy metrics
	DeploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appapi_deploys_total",
			Help: "Total number of deploy and update operations by driver and result",
		},
		[]string{"driver", "result"},
	)

	DeployDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "appapi_deploy_duration_seconds",
			Help:    "Deploy duration in seconds, including health polling",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		},
		[]string{"driver"},
	)

	HealthPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appapi_health_polls_total",
			Help: "Total number of readiness polls by result",
		},
		[]string{"result"},
	)

	RollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appapi_rollbacks_total",
			Help: "Total number of compensating unregisters after a failed deploy",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "appapi_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appapi_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	InitTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appapi_init_timeouts_total",
			Help: "Total number of ExApps failed because initialization timed out",
		},
	)

	// Proxy metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appapi_proxy_requests_total",
			Help: "Total number of proxied ExApp requests by status",
		},
		[]string{"status"},
	)

	ProxyCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appapi_proxy_cache_hits_total",
			Help: "Total number of proxied responses served from cache",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appapi_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ExAppsTotal)
	prometheus.MustRegister(DaemonsTotal)
	prometheus.MustRegister(DeploysTotal)
	prometheus.MustRegister(DeployDuration)
	prometheus.MustRegister(HealthPollsTotal)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(InitTimeoutsTotal)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ProxyCacheHits)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
