package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	CycleErrors   *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CycleErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poller_cycle_errors_total",
			Help: "Number of device reconciliation cycles that failed.",
		}, []string{"device"}),
		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "poller_cycle_duration_seconds",
			Help:    "Duration of full poll, merge and sync cycles per device.",
			Buckets: prometheus.DefBuckets,
		}, []string{"device"}),
	}
}
