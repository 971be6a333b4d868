package allocation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the allocation engine.
type Metrics struct {
	outcomes *prometheus.CounterVec
	lockWait prometheus.Histogram
	openTxns prometheus.Gauge
}

// NewMetrics registers allocation metrics against the provided registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apotek_allocations_total",
		Help: "Allocation transactions partitioned by outcome.",
	}, []string{"outcome"})
	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "apotek_allocation_lock_wait_seconds",
		Help:    "Time spent waiting for the per-product allocation lock.",
		Buckets: prometheus.DefBuckets,
	})
	openTxns := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "apotek_allocation_open_transactions",
		Help: "Allocation transactions currently awaiting operator action.",
	})
	registerer.MustRegister(outcomes, lockWait, openTxns)
	return &Metrics{outcomes: outcomes, lockWait: lockWait, openTxns: openTxns}
}

// Outcome counts a finished transaction by outcome label.
func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

// ObserveLockWait records a lock acquisition wait.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// TxnOpened increments the open-transaction gauge.
func (m *Metrics) TxnOpened() {
	if m == nil {
		return
	}
	m.openTxns.Inc()
}

// TxnClosed decrements the open-transaction gauge.
func (m *Metrics) TxnClosed() {
	if m == nil {
		return
	}
	m.openTxns.Dec()
}
