// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks bridge HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_request_duration_seconds",
			Help:    "Bridge HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total bridge HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_requests_total",
			Help: "Total bridge HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConnectionState is 1 for the current connection state and 0 for the others.
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connection_state",
			Help: "Current transport connection state",
		},
		[]string{"state"},
	)

	// ReconnectAttempts tracks reconnection attempts by outcome.
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connection_reconnect_attempts_total",
			Help: "Reconnection attempts",
		},
		[]string{"outcome"},
	)

	// SendDuration tracks optimistic send round-trip time.
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "message_send_duration_seconds",
			Help:    "Time from submission to server confirmation",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"status"},
	)

	// SendsTotal tracks sends by outcome.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Messages sent by outcome",
		},
		[]string{"status"},
	)

	// ReconciliationsTotal tracks how placeholders were matched.
	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_reconciliations_total",
			Help: "Incoming messages by reconciliation path",
		},
		[]string{"path"},
	)

	// PendingMessages tracks unresolved placeholders.
	PendingMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messages_pending",
			Help: "Placeholders awaiting confirmation",
		},
	)

	// PageFetchesTotal tracks history page fetches.
	PageFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_page_fetches_total",
			Help: "History page fetches",
		},
		[]string{"kind", "status"},
	)

	// ModerationBlocksTotal tracks messages blocked locally.
	ModerationBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_blocks_total",
			Help: "Messages blocked by the moderation filter",
		},
		[]string{"reason"},
	)

	// ModerationTerms tracks the size of the cached active term set.
	ModerationTerms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "moderation_active_terms",
			Help: "Active excluded terms in the local cache",
		},
	)

	// PresenceOnline tracks the roster size.
	PresenceOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_online_users",
			Help: "Users currently reported online",
		},
	)

	// TypingEmissions tracks local typing signals sent.
	TypingEmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "typing_emissions_total",
			Help: "Local typing signals published",
		},
		[]string{"is_typing"},
	)

	// SSEConnectionsActive tracks active bridge event streams.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

var connectionStates = []string{"disconnected", "connecting", "connected", "reconnecting", "unauthenticated"}

// RecordRequest records metrics for a bridge HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordConnectionState flips the state gauge to the given state.
func RecordConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// RecordSend records the outcome of a send.
func RecordSend(status string, duration float64) {
	SendsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		SendDuration.WithLabelValues(status).Observe(duration)
	}
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
