// Package metrics exposes the counter set the external dashboard consumes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

const namespace = "pushfabric"

// Set groups every fabric-level instrument. Handlers receive the whole set
// and increment what applies to them.
type Set struct {
	ConnectionsOpen    prometheus.Gauge
	MessagesDelivered  prometheus.Counter
	MessagesDropped    prometheus.Counter
	RateLimitDenials   prometheus.Counter
	BusPublishFailures prometheus.Counter
}

func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)

	return &Set{
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Live transport sessions held by this node.",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Events pushed into local session mailboxes.",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Events shed by backpressure on full mailboxes.",
		}),
		RateLimitDenials: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_denials_total",
			Help:      "Admission checks that denied a connection or frame.",
		}),
		BusPublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publish_failures_total",
			Help:      "Envelopes dropped after exhausting publish retries.",
		}),
	}
}

var Module = fx.Module("metrics",
	fx.Provide(
		func() *prometheus.Registry { return prometheus.NewRegistry() },
		func(r *prometheus.Registry) prometheus.Registerer { return r },
		New,
	),
)
