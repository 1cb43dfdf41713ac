package schedule

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/crmpulse/pulse/async"
)

// Metrics holds the scheduler's Prometheus collectors on a private registry,
// so tests and several schedulers in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	JobsExecuted      *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	AdmissionDeferred *prometheus.CounterVec
	Ticks             prometheus.Counter
	Signals           *prometheus.CounterVec
}

// NewMetrics creates and registers the scheduler metrics
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crmpulse_jobs_executed_total",
			Help: "Finished job executions by type and resulting status",
		}, []string{"type", "status"}), // status: ok, error
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crmpulse_job_duration_seconds",
			Help:    "Duration of job executions.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"type"}),
		AdmissionDeferred: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crmpulse_admission_deferred_total",
			Help: "Jobs left WAIT because their owner was at the concurrency limit",
		}, []string{"type"}),
		Ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "crmpulse_scheduler_ticks_total",
			Help: "Scheduler ticks, full sweeps and signal ticks",
		}),
		Signals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crmpulse_queue_signals_total",
			Help: "Queue signals consumed by the scheduler",
		}, []string{"kind"}),
	}
}

// ObserveExecution implements async.ExecutionObserver
func (m *Metrics) ObserveExecution(job *async.Job, _ time.Time, duration time.Duration) {
	m.JobsExecuted.WithLabelValues(job.TypeID, string(job.Status)).Inc()
	m.JobDuration.WithLabelValues(job.TypeID).Observe(duration.Seconds())
}

// Registry exposes the private registry (tests, extra collectors)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterPool adds gauges reading live worker usage from pool
func (m *Metrics) RegisterPool(pool *async.WorkerPool) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "crmpulse_workers_active",
			Help: "Execution slots currently running a job",
		}, func() float64 { return float64(pool.Running()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "crmpulse_workers_total",
			Help: "Configured execution slots",
		}, func() float64 { return float64(pool.Workers()) }),
	)
}
