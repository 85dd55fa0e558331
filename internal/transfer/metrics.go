package transfer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	transfers *prometheus.CounterVec
	lockWait  *prometheus.HistogramVec
}

// NewMetrics registers the transfer collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "transfers_total",
			Help:      "Transfer attempts by outcome.",
		}, []string{"outcome"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "transfer_lock_wait_seconds",
			Help:      "Time spent waiting for an account lock.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		}, []string{"lock"}),
	}
	reg.MustRegister(m.transfers, m.lockWait)
	return m
}

func (m *Metrics) observeOutcome(kind string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeLockWait(lock string, d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(lock).Observe(d.Seconds())
}
