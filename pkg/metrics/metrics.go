package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	InterpretersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cillow_interpreters_active",
			Help: "Interpreter workers currently pooled",
		},
	)

	InterpretersSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cillow_interpreters_spawned_total",
			Help: "Interpreter workers spawned since start",
		},
	)

	InterpretersDied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cillow_interpreters_died_total",
			Help: "Interpreter workers that exited abnormally",
		},
	)

	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cillow_requests_total",
			Help: "Requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	RequestsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cillow_requests_rejected_total",
			Help: "Requests refused at admission by reason",
		},
		[]string{"reason"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cillow_request_duration_seconds",
			Help:    "End-to-end request latency by kind",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"kind"},
	)

	// Broker metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cillow_queue_depth",
			Help: "Jobs waiting in the request queue",
		},
	)

	ClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cillow_clients_tracked",
			Help: "Clients currently tracked by the liveness monitor",
		},
	)
)

func init() {
	prometheus.MustRegister(
		InterpretersActive,
		InterpretersSpawned,
		InterpretersDied,
		RequestsTotal,
		RequestsRejected,
		RequestDuration,
		QueueDepth,
		ClientsConnected,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr. It blocks; run it in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

// ObserveRequest records one completed request.
func ObserveRequest(kind string, outcome string, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(kind, outcome).Inc()
	RequestDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}
