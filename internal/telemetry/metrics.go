package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atomix",
			Name:      "membership_probes_total",
			Help:      "Total number of direct probes sent, by result.",
		},
		[]string{"result"},
	)

	ProbeRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "atomix",
			Name:      "membership_probe_requests_total",
			Help:      "Total number of indirect probe requests sent.",
		},
	)

	GossipBatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "atomix",
			Name:      "membership_gossip_batches_total",
			Help:      "Total number of gossip batches fanned out.",
		},
	)

	GossipUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "atomix",
			Name:      "membership_gossip_updates_total",
			Help:      "Total number of updates enqueued for gossip.",
		},
	)

	BroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "atomix",
			Name:      "membership_broadcasts_total",
			Help:      "Total number of updates broadcast to all peers.",
		},
	)

	Members = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "atomix",
			Name:      "membership_members",
			Help:      "Current number of members in the registry.",
		},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atomix",
			Name:      "membership_events_total",
			Help:      "Total number of membership events posted, by type.",
		},
		[]string{"type"},
	)
)

func init() {
	Registry.MustRegister(
		ProbesTotal,
		ProbeRequestsTotal,
		GossipBatchesTotal,
		GossipUpdatesTotal,
		BroadcastsTotal,
		Members,
		EventsTotal,
	)
}

// MetricsHandler exposes the registry, typically mounted at /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
