package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	repaired *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When
// the registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_jobs_total",
			Help: "Background job runs by job name and outcome.",
		}, []string{"job", "success"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_job_failures_total",
			Help: "Background job failures by job name.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stockledger_job_duration_seconds",
			Help:    "Background job duration by job name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		repaired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_job_layers_repaired_total",
			Help: "Valuation layers rewritten by reconciliation jobs.",
		}, []string{"job"}),
	}
	registerer.MustRegister(m.runs, m.failures, m.duration, m.repaired)
	return m
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts a tracker for one job run.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// Done records the run outcome.
func (t *Tracker) Done(err error) {
	if t == nil || t.metrics == nil {
		return
	}
	success := err == nil
	t.metrics.runs.WithLabelValues(t.job, strconv.FormatBool(success)).Inc()
	if !success {
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
}

// CountRepaired adds repaired layer counts for a reconciliation job.
func (m *Metrics) CountRepaired(job string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.repaired.WithLabelValues(job).Add(float64(n))
}
