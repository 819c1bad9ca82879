package payments

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the ingestion pipeline's Prometheus counters.
type Metrics struct {
	Processed *prometheus.CounterVec
	Recovered prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Processed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hx_payment_events_processed_total",
			Help: "External payment events by type and result.",
		}, []string{"event_type", "result"}),
		Recovered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hx_payment_events_recovered_total",
			Help: "Stuck payment event claims reopened by the recovery sweep.",
		}),
	}
}
