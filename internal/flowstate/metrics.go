package flowstate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	SnapshotsApplied  prometheus.Counter
	SnapshotRejects   prometheus.Counter
	ProvisionMessages prometheus.Counter
	ProvisionRejects  prometheus.Counter
	FlowsAdded        prometheus.Counter
	FlowsRemoved      prometheus.Counter
	AggregateDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SnapshotsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstate_snapshots_applied_total",
			Help: "Total number of device snapshots merged into the store",
		}),
		SnapshotRejects: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstate_snapshot_rejects_total",
			Help: "Total number of malformed snapshot entries rejected",
		}),
		ProvisionMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstate_provision_messages_total",
			Help: "Total number of provisioning messages applied",
		}),
		ProvisionRejects: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstate_provision_rejects_total",
			Help: "Total number of provisioned flow entries rejected",
		}),
		FlowsAdded: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstate_flows_added_total",
			Help: "Total number of flow rows created",
		}),
		FlowsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstate_flows_removed_total",
			Help: "Total number of flow rows deleted",
		}),
		AggregateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "flowstate_aggregate_recompute_duration_seconds",
			Help: "Duration of interface aggregate recomputation in seconds",
		}),
	}
}
