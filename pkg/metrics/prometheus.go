package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP Request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fib_service_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fib_service_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	HTTPRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fib_service_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
		[]string{"method", "endpoint"},
	)

	// Fibonacci computation metrics
	FibonacciComputations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fib_service_fibonacci_computations_total",
			Help: "Total number of Fibonacci requests by outcome",
		},
		[]string{"outcome"}, // ok, too_large, invalid
	)

	FibonacciComputationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fib_service_fibonacci_computation_duration_seconds",
			Help:    "Duration of the Fibonacci compute step in seconds",
			Buckets: []float64{1e-8, 1e-7, 5e-7, 1e-6, 5e-6, 1e-5, 1e-4},
		},
	)

	// Event publishing metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fib_service_events_published_total",
			Help: "Total number of computation events handed to the publisher",
		},
		[]string{"status"}, // delivered, failed, dropped
	)

	// Background job and benchmark metrics
	JobsRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fib_service_jobs_running",
			Help: "Number of background jobs currently running",
		},
		[]string{"job"},
	)

	BenchmarkRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fib_service_benchmark_runs_total",
			Help: "Total number of finished benchmark runs",
		},
		[]string{"status"}, // completed, cancelled, timed_out
	)

	BenchmarkRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fib_service_benchmark_request_duration_seconds",
			Help:    "Latency of requests issued by benchmark runs",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
		[]string{"mode"}, // sequential, concurrent
	)

	// Configuration metrics
	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fib_service_config_reloads_total",
			Help: "Total number of configuration reloads",
		},
		[]string{"status"}, // status: "success" or "error"
	)

	ConfigFeatureFlags = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fib_service_config_feature_flags",
			Help: "Current state of feature flags (1=enabled, 0=disabled)",
		},
		[]string{"feature_name"},
	)

	// Application health metrics
	ApplicationInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fib_service_application_info",
			Help: "Application information (always 1)",
		},
		[]string{"version", "go_version"},
	)
)

// RecordApplicationInfo records application metadata
func RecordApplicationInfo(version, goVersion string) {
	ApplicationInfo.WithLabelValues(version, goVersion).Set(1)
}
