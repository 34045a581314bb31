package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bossingest_jobs_total",
			Help: "Total number of ingest jobs by status",
		},
		[]string{"status"},
	)

	JobsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bossingest_jobs_created_total",
			Help: "Total number of ingest jobs created",
		},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bossingest_events_total",
			Help: "Total number of lifecycle events by type",
		},
		[]string{"type"},
	)

	JobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bossingest_jobs_completed_total",
			Help: "Total number of ingest jobs completed",
		},
	)

	JobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bossingest_jobs_failed_total",
			Help: "Total number of ingest jobs failed",
		},
	)

	CompletionRacesLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bossingest_completion_races_lost_total",
			Help: "Completion attempts that lost the race to another caller",
		},
	)

	// Credential metrics
	CredentialsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bossingest_credentials_issued_total",
			Help: "Total number of scoped upload credentials issued",
		},
	)

	// Queue metrics
	QueuesProvisioned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bossingest_queues_provisioned_total",
			Help: "Total number of SQS queues created for ingest jobs",
		},
	)

	QueueDepthChecks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bossingest_queue_depth_checks_total",
			Help: "Total number of queue emptiness checks performed",
		},
	)

	// Step function metrics
	StepFunctionStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bossingest_step_function_starts_total",
			Help: "Step function executions started by kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bossingest_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bossingest_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsCreated)
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(CompletionRacesLost)
	prometheus.MustRegister(CredentialsIssued)
	prometheus.MustRegister(QueuesProvisioned)
	prometheus.MustRegister(QueueDepthChecks)
	prometheus.MustRegister(StepFunctionStarts)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds in the given histogram
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}
