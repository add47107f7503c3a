package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons for chat_messages_dropped_total.
const (
	dropReasonInactive  = "inactive"
	dropReasonQueueFull = "queue_full"
)

// Metrics aggregates the core's Prometheus collectors. All counters are
// best-effort observability; the broadcast path never depends on them.
type Metrics struct {
	Published prometheus.Counter
	Delivered prometheus.Counter
	Dropped   *prometheus.CounterVec
	Sessions  prometheus.Gauge
	Rooms     prometheus.Gauge
}

// NewMetrics builds the collector set. With a nil registerer the collectors
// still work but are not exported, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Published: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_published_total",
			Help: "Messages accepted into a room (history append + fan-out).",
		}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_delivered_total",
			Help: "Messages enqueued into a subscriber's outbound queue.",
		}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_dropped_total",
			Help: "Fan-out enqueues dropped instead of blocking the publisher.",
		}, []string{"reason"}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_sessions_open",
			Help: "Currently open subscriber sessions.",
		}),
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_rooms",
			Help: "Rooms created since process start.",
		}),
	}
}
