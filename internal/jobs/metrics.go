package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	steps    *prometheus.CounterVec
	stepTime *prometheus.HistogramVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// ObserveStep records one pipeline step outcome for a tenant.
func (m *Metrics) ObserveStep(tenant, step string, skipped bool, err error, took time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	switch {
	case skipped:
		status = "skipped"
	case err != nil:
		status = "failure"
	}
	m.steps.WithLabelValues(tenant, step, status).Inc()
	if !skipped {
		m.stepTime.WithLabelValues(tenant, step).Observe(took.Seconds())
	}
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "importer_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	steps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_pipeline_steps_total",
		Help: "Pipeline step outcomes partitioned by tenant, step and status.",
	}, []string{"tenant", "step", "status"})
	stepTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "importer_pipeline_step_duration_seconds",
		Help:    "Duration in seconds of pipeline steps.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tenant", "step"})
	registerer.MustRegister(runs, failures, duration, steps, stepTime)
	return &Metrics{runs: runs, failures: failures, duration: duration, steps: steps, stepTime: stepTime}
}
