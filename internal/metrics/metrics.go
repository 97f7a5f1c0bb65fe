// Package metrics provides Prometheus instrumentation for the realtime
// coordinator. It exposes gauges for connection, presence, and typing counts,
// counters for message and receipt throughput, and a histogram for message
// persistence latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current number of users in the Online presence state.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_online_users",
		Help: "Current number of users considered online",
	})

	// TypingEntries tracks the current number of live typing indicator entries.
	TypingEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_typing_entries",
		Help: "Current number of active typing indicator entries",
	})

	// MessagesTotal counts messages through the delivery pipeline, labeled by
	// outcome: "delivered", "blocked", or "persist_failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_messages_total",
		Help: "Total number of messages processed by the delivery pipeline",
	}, []string{"outcome"})

	// ReceiptsTotal counts newly-marked read receipts.
	ReceiptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_read_receipts_total",
		Help: "Total number of messages newly marked as read",
	})

	// NotificationsTotal counts notification increment signals emitted to
	// absent channel members.
	NotificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_notification_increments_total",
		Help: "Total number of notification increment signals emitted",
	})

	// PersistLatency records message persistence latency in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_message_persist_latency_seconds",
		Help:    "Message persistence latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		TypingEntries,
		MessagesTotal,
		ReceiptsTotal,
		NotificationsTotal,
		PersistLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
