package presence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments this package maintains,
// registered once per process against the caller's Registerer.
type Metrics struct {
	ConnectedSessions prometheus.Gauge
	ActiveTypingTimer prometheus.Gauge
	ReplayedMessages  prometheus.Counter
	DroppedFrames     prometheus.Counter
}

// NewMetrics registers and returns the presence instruments on reg
// (prometheus.DefaultRegisterer in production, a private registry in
// tests so parallel test stores never collide).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "openconv_ws_connected_sessions",
			Help: "Currently connected WebSocket sessions.",
		}),
		ActiveTypingTimer: factory.NewGauge(prometheus.GaugeOpts{
			Name: "openconv_ws_active_typing_timers",
			Help: "Armed typing-indicator timers.",
		}),
		ReplayedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "openconv_ws_replayed_messages_total",
			Help: "MessageCreated frames sent through the replay path.",
		}),
		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "openconv_ws_dropped_frames_total",
			Help: "Outbound frames dropped because a connection's send buffer was full.",
		}),
	}
}
