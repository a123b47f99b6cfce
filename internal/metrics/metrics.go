// Package metrics holds the relay's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshconf"

type Relay struct {
	Messages      *prometheus.CounterVec
	RoutingMisses *prometheus.CounterVec
	DroppedEvents prometheus.Counter
	Connections   prometheus.Gauge
	Rooms         prometheus.Gauge
}

// NewRelay registers the relay collectors on reg. A nil reg yields
// unregistered collectors, which is what tests usually want.
func NewRelay(reg prometheus.Registerer) *Relay {
	factory := promauto.With(reg)

	return &Relay{
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Signaling envelopes received, by type.",
		}, []string{"type"}),
		RoutingMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "routing_misses_total",
			Help:      "Envelopes dropped because the target connection was not found.",
		}, []string{"type"}),
		DroppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dropped_events_total",
			Help:      "Outbound envelopes dropped because a connection queue was full or closed.",
		}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open signaling connections.",
		}),
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Rooms with at least one participant.",
		}),
	}
}
