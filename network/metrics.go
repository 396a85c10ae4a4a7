package network

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type relayMetrics struct {
	enqueued  prometheus.Counter
	dropped   prometheus.Counter
	occupancy prometheus.Gauge
	peers     prometheus.Gauge
}

var (
	relayMetricsOnce sync.Once
	relayRegistry    *relayMetrics
)

func defaultRelayMetrics() *relayMetrics {
	relayMetricsOnce.Do(func() {
		relayRegistry = &relayMetrics{
			enqueued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "adaptivechain",
				Subsystem: "network_relay",
				Name:      "queue_enqueued_total",
				Help:      "Total frames queued for delivery to a connected node.",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "adaptivechain",
				Subsystem: "network_relay",
				Name:      "queue_dropped_total",
				Help:      "Total frames dropped because a node's send queue was full.",
			}),
			occupancy: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "adaptivechain",
				Subsystem: "network_relay",
				Name:      "queue_occupancy",
				Help:      "Occupancy of the most recently used send queue prior to enqueue.",
			}),
			peers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "adaptivechain",
				Subsystem: "network_relay",
				Name:      "connected_nodes",
				Help:      "Number of nodes currently attached to the relay.",
			}),
		}
		prometheus.MustRegister(
			relayRegistry.enqueued,
			relayRegistry.dropped,
			relayRegistry.occupancy,
			relayRegistry.peers,
		)
	})
	return relayRegistry
}
