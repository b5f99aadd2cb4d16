// Package metrics provides Prometheus instrumentation for the messenger
// client. It exposes gauges for live-channel state, counters for message and
// frame throughput, and histograms for REST and delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks open live channels, labeled by scope:
	// "conversation" or "notifications".
	Connections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "messenger_connections",
		Help: "Current number of open live channels",
	}, []string{"scope"})

	// ConnectAttempts counts dial attempts, labeled by scope and result
	// ("ok", "error").
	ConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_connect_attempts_total",
		Help: "Total number of live channel dial attempts",
	}, []string{"scope", "result"})

	// Frames counts live-channel frames, labeled by scope and direction
	// ("in", "out").
	Frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_frames_total",
		Help: "Total number of live channel frames",
	}, []string{"scope", "direction"})

	// FramesDropped counts inbound frames discarded before dispatch.
	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_frames_dropped_total",
		Help: "Total number of inbound frames dropped",
	}, []string{"scope", "reason"}) // reason = "malformed", "unknown"

	// MessagesTotal counts chat messages, labeled by type: "sent_live",
	// "sent_http", "received", "confirmed", "failed", "retried", "dismissed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"})

	// PendingMessages tracks optimistic messages awaiting confirmation.
	PendingMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_pending_messages",
		Help: "Current number of unconfirmed outgoing messages",
	})

	// DeliveryLatency records the time from submit to server confirmation.
	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "messenger_delivery_latency_seconds",
		Help:    "Time from submit to server confirmation",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// StaleResults counts async results discarded because the conversation
	// changed while they were in flight.
	StaleResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_stale_results_total",
		Help: "Total number of results discarded after a conversation switch",
	}, []string{"kind"}) // kind = "history", "mark_read", "event", "send"

	// Reconnects counts automatic live channel reconnect attempts.
	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_reconnects_total",
		Help: "Total number of live channel reconnect attempts",
	}, []string{"scope"})

	// APIRequestDuration records REST call latency, labeled by operation and
	// status class.
	APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "messenger_api_request_duration_seconds",
		Help:    "REST API request latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"op", "status"})

	// UnreadNotifications mirrors the notification gateway's unread counter.
	UnreadNotifications = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_unread_notifications",
		Help: "Unread notification count reported by the server",
	})

	// RelayPublished counts events forwarded to NATS, labeled by kind.
	RelayPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_relay_published_total",
		Help: "Total number of events published to NATS",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		Connections,
		ConnectAttempts,
		Frames,
		FramesDropped,
		MessagesTotal,
		PendingMessages,
		DeliveryLatency,
		StaleResults,
		Reconnects,
		APIRequestDuration,
		UnreadNotifications,
		RelayPublished,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
