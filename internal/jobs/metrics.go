package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	nearExpiry *prometheus.CounterVec
	expired    *prometheus.CounterVec
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

// AddNearExpiry increments the near-expiry counter for the given product.
func (m *Metrics) AddNearExpiry(productID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.nearExpiry.WithLabelValues(formatInt(productID)).Add(float64(count))
}

// AddExpired increments the expired-batch counter for the given product.
func (m *Metrics) AddExpired(productID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.expired.WithLabelValues(formatInt(productID)).Add(float64(count))
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apotek_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apotek_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apotek_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	nearExpiry := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apotek_batches_near_expiry_total",
		Help: "Batches flagged near expiry by the scan job, per product.",
	}, []string{"product"})
	expired := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apotek_batches_expired_total",
		Help: "Batches retired by the expiry sweep, per product.",
	}, []string{"product"})
	registerer.MustRegister(runs, failures, duration, nearExpiry, expired)
	return &Metrics{runs: runs, failures: failures, duration: duration, nearExpiry: nearExpiry, expired: expired}
}
