package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_requests_total",
			Help: "Total number of forwarded requests by method and status",
		},
		[]string{"method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gate_request_duration_seconds",
			Help:    "End-to-end forwarded request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	DispatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gate_dispatch_failures_total",
			Help: "Total number of jobs that could not be enqueued",
		},
	)

	RequestTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gate_request_timeouts_total",
			Help: "Total number of requests that timed out waiting for a worker",
		},
	)

	// Registry metrics
	RoutesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gate_routes_total",
			Help: "Total number of registered routes",
		},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gate_nodes_total",
			Help: "Total number of worker nodes by status",
		},
		[]string{"status"},
	)

	NodesReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gate_nodes_reaped_total",
			Help: "Total number of nodes marked offline by the reaper",
		},
	)

	// Worker metrics
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_jobs_processed_total",
			Help: "Total number of jobs processed by result",
		},
		[]string{"result"},
	)

	JobProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gate_job_process_duration_seconds",
			Help:    "Handler execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(DispatchFailures)
	prometheus.MustRegister(RequestTimeouts)
	prometheus.MustRegister(RoutesTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodesReaped)
	prometheus.MustRegister(JobsProcessed)
	prometheus.MustRegister(JobProcessDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into the histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
