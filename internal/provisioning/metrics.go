package provisioning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	MessagesProcessed prometheus.Counter
	DecodeErrors      prometheus.Counter
	ProcessErrors     prometheus.Counter
	CommitErrors      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisioning_messages_processed_total",
			Help: "Number of provisioning messages applied to an engine.",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisioning_decode_errors_total",
			Help: "Number of Kafka records that failed to decode.",
		}),
		ProcessErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisioning_process_errors_total",
			Help: "Number of messages that failed to apply or sync.",
		}),
		CommitErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisioning_commit_errors_total",
			Help: "Number of offset commit failures.",
		}),
	}
}
