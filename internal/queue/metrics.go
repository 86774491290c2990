package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "duka",
			Name:      "queue_depth",
			Help:      "Approximate number of ready tasks per kind",
		},
		[]string{"kind"},
	)
	QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duka",
			Name:      "queue_processed_total",
			Help:      "Total tasks processed grouped by status",
		},
		[]string{"kind", "status"},
	)
	QueueDLQSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "duka",
			Name:      "queue_dlq_size",
			Help:      "Number of tasks stored in DLQ",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth, QueueProcessedTotal, QueueDLQSize)
}

// queueLabel maps a task kind to its metric label value. Empty kinds fall
// back to a catch-all label.
func queueLabel(kind string) string {
	if kind == "" {
		return "all"
	}
	return kind
}
