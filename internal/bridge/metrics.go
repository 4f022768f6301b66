package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the bridge's prometheus collectors.
type Metrics struct {
	SessionsActive  prometheus.Gauge
	FramesIn        prometheus.Counter
	FramesOut       prometheus.Counter
	EventsDropped   prometheus.Counter
	AuthFailures    prometheus.Counter
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the bridge collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "uplink",
			Name:      "sessions_active",
			Help:      "Number of active connector sessions.",
		}),
		FramesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "uplink",
			Name:      "frames_received_total",
			Help:      "Frames received from connectors.",
		}),
		FramesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "uplink",
			Name:      "frames_sent_total",
			Help:      "Frames written to connectors.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "uplink",
			Name:      "events_dropped_total",
			Help:      "Events shed from full subscriber inboxes.",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "uplink",
			Name:      "auth_failures_total",
			Help:      "Rejected connector handshakes.",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "uplink",
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of brokered requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
}
