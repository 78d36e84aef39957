package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	RecordsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dnipipe_records_total",
			Help: "Total number of records by state, across all tenants",
		},
		[]string{"state"},
	)

	BatchesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dnipipe_batches_total",
			Help: "Total number of batches across all tenants",
		},
	)

	RecordsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnipipe_records_processed_total",
			Help: "Total number of records processed by stage and result",
		},
		[]string{"stage", "result"},
	)

	ProcessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dnipipe_process_duration_seconds",
			Help:    "Portal lookup duration in seconds by stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	ClaimDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dnipipe_claim_duration_seconds",
			Help:    "Claim transaction duration in seconds by stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	RecordsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnipipe_records_ingested_total",
			Help: "Total number of ingested entries by result (accepted/rejected)",
		},
		[]string{"result"},
	)

	// Session metrics
	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dnipipe_workers_active",
			Help: "Number of live workers across all sessions",
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dnipipe_sessions_active",
			Help: "Number of sessions with running workers",
		},
	)

	SessionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dnipipe_sessions_total",
			Help: "Number of tracked sessions",
		},
	)

	SessionsEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dnipipe_sessions_evicted_total",
			Help: "Total number of idle sessions evicted",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnipipe_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dnipipe_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RecordsTotal)
	prometheus.MustRegister(BatchesTotal)
	prometheus.MustRegister(RecordsProcessedTotal)
	prometheus.MustRegister(ProcessDuration)
	prometheus.MustRegister(ClaimDuration)
	prometheus.MustRegister(RecordsIngestedTotal)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionsEvictedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
