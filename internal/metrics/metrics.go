// Package metrics provides Prometheus instrumentation for the support
// console. It exposes a connection-state gauge, counters for message and
// reconnect throughput, and a histogram for history fetch latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionUp is 1 while the chat channel is connected, 0 otherwise.
	ConnectionUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "support_connection_up",
		Help: "Whether the chat channel is currently connected (1 or 0)",
	})

	// ReconnectAttemptsTotal counts automatic reconnect attempts.
	ReconnectAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "support_reconnect_attempts_total",
		Help: "Total number of automatic reconnect attempts",
	})

	// MessagesTotal counts chat messages, labeled by direction: "sent",
	// "received", or "dropped" (send attempted while disconnected).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "support_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"direction"})

	// TypingEventsTotal counts typing indicator events emitted by the operator.
	TypingEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "support_typing_events_total",
		Help: "Total number of typing indicator events emitted",
	})

	// HistoryFetchSeconds records conversation history fetch latency.
	HistoryFetchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "support_history_fetch_seconds",
		Help:    "Conversation history fetch latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// UnreadConversations tracks the number of conversations with unread
	// messages outside the active one.
	UnreadConversations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "support_unread_conversations",
		Help: "Number of non-active conversations with unread messages",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionUp,
		ReconnectAttemptsTotal,
		MessagesTotal,
		TypingEventsTotal,
		HistoryFetchSeconds,
		UnreadConversations,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
