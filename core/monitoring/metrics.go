package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"

	"ml-scheduler/core/models"
)

// Metrics exposes scheduler metrics for Prometheus scraping.
type Metrics struct {
	jobsSubmitted  *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	failures       *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	runningJobs    prometheus.Gauge
	gpuUtilization prometheus.Gauge
	jobDuration    prometheus.Histogram
	jobWaitTime    prometheus.Histogram
}

// NewMetrics creates and registers the scheduler metric collectors.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_jobs_submitted_total",
			Help: "Jobs submitted, by priority.",
		}, []string{"priority"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_jobs_completed_total",
			Help: "Jobs reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_failures_total",
			Help: "Classified execution failures, by kind.",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_queue_depth",
			Help: "Number of queued jobs.",
		}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_running_jobs",
			Help: "Number of running jobs.",
		}),
		gpuUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_gpu_memory_utilization_pct",
			Help: "Reserved GPU memory as a percentage of the system limit.",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_job_run_seconds",
			Help:    "Wall-clock job run time.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		jobWaitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_job_wait_seconds",
			Help:    "Time jobs spend queued before starting.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
	}

	registerer.MustRegister(
		m.jobsSubmitted, m.jobsCompleted, m.failures,
		m.queueDepth, m.runningJobs, m.gpuUtilization,
		m.jobDuration, m.jobWaitTime,
	)
	return m
}

// JobSubmitted records a submission.
func (m *Metrics) JobSubmitted(priority models.Priority) {
	m.jobsSubmitted.WithLabelValues(string(priority)).Inc()
}

// JobFinished records a terminal outcome and, when available, the job's
// wait and run times.
func (m *Metrics) JobFinished(job *models.Job) {
	m.jobsCompleted.WithLabelValues(string(job.Status)).Inc()
	if wait := job.WaitTime(); wait > 0 {
		m.jobWaitTime.Observe(wait.Seconds())
	}
	if run := job.RunTime(); run > 0 {
		m.jobDuration.Observe(run.Seconds())
	}
}

// Failure records a classified failure.
func (m *Metrics) Failure(kind models.FailureKind) {
	m.failures.WithLabelValues(string(kind)).Inc()
}

// SetQueueState updates the queue depth and running job gauges.
func (m *Metrics) SetQueueState(queued, running int) {
	m.queueDepth.Set(float64(queued))
	m.runningJobs.Set(float64(running))
}

// SetGPUUtilization updates the GPU memory utilization gauge.
func (m *Metrics) SetGPUUtilization(pct float64) {
	m.gpuUtilization.Set(pct)
}
