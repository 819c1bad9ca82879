package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the outbox fabric.
type Metrics struct {
	Dispatched *prometheus.CounterVec
	Pending    prometheus.Gauge
	WriteTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all outbox metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Dispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_dispatched_total",
				Help: "Outbox events dispatched to named queues",
			},
			[]string{"queue", "event_type"},
		),
		Pending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "outbox_pending_events",
				Help: "Outbox events awaiting dispatch",
			},
		),
		WriteTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_writes_total",
				Help: "Outbox events written, by event type",
			},
			[]string{"event_type"},
		),
	}
}
