package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the streaming collectors. All streams share one set; labels
// carry the terminal outcome.
type Metrics struct {
	StreamsCreated    prometheus.Counter
	StreamsTerminated *prometheus.CounterVec
	ActiveStreams     prometheus.Gauge
	Subscribers       prometheus.Gauge
	Subscriptions     prometheus.Counter
}

// New registers the streaming collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StreamsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent_gateway",
			Name:      "streams_created_total",
			Help:      "Number of agent response streams created.",
		}),
		StreamsTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_gateway",
			Name:      "streams_terminated_total",
			Help:      "Number of streams that reached a terminal status.",
		}, []string{"status"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_gateway",
			Name:      "active_streams",
			Help:      "Streams currently running.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_gateway",
			Name:      "stream_subscribers",
			Help:      "Live subscriptions across all streams.",
		}),
		Subscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent_gateway",
			Name:      "stream_subscriptions_total",
			Help:      "Subscriptions ever added to a stream.",
		}),
	}

	reg.MustRegister(m.StreamsCreated, m.StreamsTerminated, m.ActiveStreams, m.Subscribers, m.Subscriptions)
	return m
}

// NewNop returns metrics backed by an isolated registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
