package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcription_queue_depth",
			Help: "Number of task handles waiting in the queue",
		},
	)

	// Worker metrics
	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcription_workers_busy",
			Help: "Number of workers currently processing a task",
		},
	)

	TasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transcription_tasks_submitted_total",
			Help: "Total number of tasks admitted to the queue",
		},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transcription_tasks_completed_total",
			Help: "Total number of tasks that finished successfully",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transcription_tasks_failed_total",
			Help: "Total number of tasks that ended in failure",
		},
	)

	TasksTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transcription_tasks_timed_out_total",
			Help: "Total number of tasks killed by the wall-clock timeout",
		},
	)

	TasksSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transcription_tasks_skipped_total",
			Help: "Total number of dequeued handles skipped because the task was no longer queued",
		},
	)

	ProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transcription_processing_duration_seconds",
			Help:    "Wall-clock processing time per task in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	// Model metrics
	ModelLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcription_model_loaded",
			Help: "Whether a speech-recognition model is loaded (1 = loaded)",
		},
	)

	ModelLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcription_model_loads_total",
			Help: "Total number of model loads by size",
		},
		[]string{"size"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcription_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcription_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersBusy)
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TasksTimedOut)
	prometheus.MustRegister(TasksSkipped)
	prometheus.MustRegister(ProcessingDuration)
	prometheus.MustRegister(ModelLoaded)
	prometheus.MustRegister(ModelLoads)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
