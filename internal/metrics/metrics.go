// Package metrics exposes Prometheus instrumentation for a chat session.
//
// Metrics:
//   - chat_client_connection_state: 0=disconnected, 1=connecting, 2=connected (gauge)
//   - chat_client_online_users: last announced user count (gauge)
//   - chat_client_connect_attempts_total: transport dials started (counter)
//   - chat_client_reconnects_scheduled_total: retry timers armed (counter)
//   - chat_client_messages_received_total: inbound payloads (counter)
//     Labels: category (message, notification)
//   - chat_client_messages_sent_total: frames handed to the transport (counter)
//   - chat_client_messages_dropped_total: outbound text not sent (counter)
//     Labels: reason (not_connected, buffer_full, closed)
//   - chat_client_transport_errors_total: transport error events (counter)
//   - chat_client_malformed_counts_total: count announcements that did not parse (counter)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chat_client"

// Drop reasons.
const (
	DropNotConnected = "not_connected"
	DropBufferFull   = "buffer_full"
	DropClosed       = "closed"
)

// Metrics groups the session collectors. A nil *Metrics records nothing.
type Metrics struct {
	ConnectionState     prometheus.Gauge
	OnlineUsers         prometheus.Gauge
	ConnectAttempts     prometheus.Counter
	ReconnectsScheduled prometheus.Counter
	MessagesReceived    *prometheus.CounterVec
	MessagesSent        prometheus.Counter
	MessagesDropped     *prometheus.CounterVec
	TransportErrors     prometheus.Counter
	MalformedCounts     prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0=disconnected, 1=connecting, 2=connected)",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Last user count announced by the server",
		}),
		ConnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Total number of transport dials started",
		}),
		ReconnectsScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Total number of reconnect timers armed",
		}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of inbound payloads by category",
		}, []string{"category"}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of frames handed to the transport",
		}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of outbound messages dropped",
		}, []string{"reason"}),
		TransportErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Total number of transport error events",
		}),
		MalformedCounts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_counts_total",
			Help:      "Total number of count announcements that failed to parse",
		}),
	}
}

func (m *Metrics) SetState(v int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(v))
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.OnlineUsers.Set(float64(n))
}

func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectsScheduled.Inc()
}

func (m *Metrics) Received(category string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(category).Inc()
}

func (m *Metrics) Sent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) TransportError() {
	if m == nil {
		return
	}
	m.TransportErrors.Inc()
}

func (m *Metrics) MalformedCount() {
	if m == nil {
		return
	}
	m.MalformedCounts.Inc()
}
