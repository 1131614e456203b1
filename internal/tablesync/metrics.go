package tablesync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RowsWritten *prometheus.CounterVec
	RowsDeleted *prometheus.CounterVec
	WriteErrors *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RowsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tablesync_rows_written_total",
			Help: "Total number of rows written to external tables",
		},
			[]string{"table"},
		),
		RowsDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tablesync_rows_deleted_total",
			Help: "Total number of rows deleted from external tables",
		},
			[]string{"table"},
		),
		WriteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tablesync_write_errors_total",
			Help: "Total number of failed external table writes",
		},
			[]string{"table"},
		),
	}
}
