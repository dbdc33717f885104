// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	TasksCreated   prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	UploadsSucceeded prometheus.Counter
	UploadsFailed    prometheus.Counter
	UploadFragmentsRetried prometheus.Counter
	ProcessingCycles prometheus.Counter
	DiscoveryCandidatesFound   *prometheus.CounterVec
	DiscoveryCandidatesEnqueued *prometheus.CounterVec

	// Histograms (seconds)
	StageDuration        *prometheus.HistogramVec
	TotalProcessDuration prometheus.Observer
	UploadDuration       prometheus.Observer

	// Gauges
	ActiveTasksGauge    prometheus.Gauge
	PendingQueueGauge   prometheus.Gauge
	CircuitStateGauge   *prometheus.GaugeVec // 0=closed, 1=half-open, 2=open, per adapter
	CircuitFailureCount *prometheus.CounterVec

	CircuitBreakerStateChanges *prometheus.CounterVec

	DatabaseConnectionPoolSize  prometheus.Gauge
	DatabaseConnectionPoolInUse prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TasksCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "repub_tasks_created_total", Help: "Number of tasks created"})
		TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "repub_tasks_completed_total", Help: "Number of tasks that reached completed"})
		TasksFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "repub_tasks_failed_total", Help: "Number of tasks that reached failed"})
		UploadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "repub_uploads_succeeded_total", Help: "Number of successful chunked uploads"})
		UploadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "repub_uploads_failed_total", Help: "Number of failed chunked uploads"})
		UploadFragmentsRetried = promauto.NewCounter(prometheus.CounterOpts{Name: "repub_upload_fragments_retried_total", Help: "Number of fragment retries during chunked upload"})
		ProcessingCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "repub_processing_cycles_total", Help: "Number of pipeline scheduling cycles"})

		DiscoveryCandidatesFound = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "repub_discovery_candidates_found_total", Help: "Candidates found by the discovery scheduler",
		}, []string{"config_id"})
		DiscoveryCandidatesEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "repub_discovery_candidates_enqueued_total", Help: "Candidates auto-enqueued as tasks",
		}, []string{"config_id"})

		StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "repub_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"stage"})
		TotalProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "repub_processing_total_duration_seconds",
			Help:    "Total end-to-end task duration seconds",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200},
		})
		UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "repub_upload_duration_seconds",
			Help:    "Chunked upload duration seconds",
			Buckets: []float64{30, 60, 120, 300, 600, 1800},
		})

		ActiveTasksGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "repub_active_tasks", Help: "Tasks currently holding a task permit"})
		PendingQueueGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "repub_pending_queue_depth", Help: "Tasks currently in pending status"})
		CircuitStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "repub_circuit_breaker_state", Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open",
		}, []string{"adapter"})
		CircuitFailureCount = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "repub_circuit_breaker_failures_total", Help: "Total circuit breaker failures",
		}, []string{"adapter"})
		CircuitBreakerStateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "repub_circuit_breaker_state_changes_total", Help: "Circuit breaker state transitions",
		}, []string{"adapter", "from", "to"})

		DatabaseConnectionPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "repub_database_connection_pool_size", Help: "Maximum database connection pool size",
		})
		DatabaseConnectionPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "repub_database_connection_pool_in_use", Help: "Current number of database connections in use",
		})
	})
}

// SetCircuitState sets the circuit state gauge for a named adapter. States: closed=0, half-open=1, open=2.
func SetCircuitState(adapter, state string) {
	if CircuitStateGauge == nil {
		return
	}
	switch state {
	case "closed":
		CircuitStateGauge.WithLabelValues(adapter).Set(0)
	case "half-open":
		CircuitStateGauge.WithLabelValues(adapter).Set(1)
	case "open":
		CircuitStateGauge.WithLabelValues(adapter).Set(2)
	default:
		CircuitStateGauge.WithLabelValues(adapter).Set(0)
	}
}

// IncrementCircuitFailures increments the circuit failure counter for adapter.
func IncrementCircuitFailures(adapter string) {
	if CircuitFailureCount != nil {
		CircuitFailureCount.WithLabelValues(adapter).Inc()
	}
}

// RecordCircuitStateChange records a state transition in the circuit breaker for adapter.
func RecordCircuitStateChange(adapter, from, to string) {
	if CircuitBreakerStateChanges != nil {
		CircuitBreakerStateChanges.WithLabelValues(adapter, from, to).Inc()
	}
}

// SetActiveTasks records the current count of tasks holding a task permit.
func SetActiveTasks(n int) {
	if ActiveTasksGauge != nil {
		ActiveTasksGauge.Set(float64(n))
	}
}

// SetPendingQueueDepth records the current count of pending tasks.
func SetPendingQueueDepth(n int) {
	if PendingQueueGauge != nil {
		PendingQueueGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// ObserveStage records the duration of a named pipeline stage.
func ObserveStage(stage string, d time.Duration) {
	if StageDuration != nil {
		StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// UpdateDatabasePoolMetrics updates the database connection pool metrics.
func UpdateDatabasePoolMetrics(maxOpen, inUse int) {
	if DatabaseConnectionPoolSize != nil {
		DatabaseConnectionPoolSize.Set(float64(maxOpen))
	}
	if DatabaseConnectionPoolInUse != nil {
		DatabaseConnectionPoolInUse.Set(float64(inUse))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying id as its correlation id,
// replacing any id already present.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
