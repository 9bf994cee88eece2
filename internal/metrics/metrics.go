// Package metrics holds the prometheus collectors of the signaling service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voice"

var (
	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms",
		Help:      "Rooms currently registered.",
	})
	Peers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers",
		Help:      "Peers currently joined to a room.",
	})
	Transports = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transports",
		Help:      "WebRTC transports by role.",
	}, []string{"role"})
	Producers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "producers",
		Help:      "Producers by media kind.",
	}, []string{"kind"})
	Consumers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consumers",
		Help:      "Consumers currently registered.",
	})
	SignalMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signal_messages_total",
		Help:      "Inbound signaling messages by type.",
	}, []string{"type"})
	SignalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signal_errors_total",
		Help:      "Signaling requests answered with an error, by type and kind.",
	}, []string{"type", "kind"})
	ActiveSpeakerChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "active_speaker_changes_total",
		Help:      "Active speaker broadcasts issued.",
	})
)
