package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketchat",
		Name:      "ws_connected_clients",
		Help:      "Websocket connections currently registered with the hub.",
	})

	relayedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketchat",
		Name:      "messages_sent_total",
		Help:      "Messages accepted by the chat service, by submission path.",
	}, []string{"path"})

	filteredMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marketchat",
		Name:      "messages_filtered_total",
		Help:      "Messages the content policy flagged.",
	})

	droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marketchat",
		Name:      "ws_dropped_events_total",
		Help:      "Events dropped because a client's send buffer was full.",
	})
)

const (
	PathLive = "live"
	PathREST = "rest"
)

// CountSent records a stored message for the given submission path.
func CountSent(path string, filtered bool) {
	relayedMessages.WithLabelValues(path).Inc()
	if filtered {
		filteredMessages.Inc()
	}
}
