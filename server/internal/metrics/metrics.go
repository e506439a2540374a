// Package metrics defines the Prometheus instrumentation shared by the
// server packages. Collectors are registered on a dedicated registry so tests
// can create isolated instances without double-registration panics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the server components record into.
// One instance is created in main and threaded through constructors.
type Metrics struct {
	Registry *prometheus.Registry

	// InvalidMessages counts frames dropped by schema validation, labelled
	// by direction and message type.
	InvalidMessages *prometheus.CounterVec

	// ProtocolSpoof counts payloads whose embedded nodeId disagreed with the
	// bound connection identity. The payload value is ignored either way;
	// the counter exists to surface misbehaving or malicious nodes.
	ProtocolSpoof prometheus.Counter

	// NodesConnected tracks the number of currently bound node sessions.
	NodesConnected prometheus.Gauge

	// CommandTransitions counts command state-machine transitions by
	// resulting state.
	CommandTransitions *prometheus.CounterVec

	// WebhookDeliveries counts webhook delivery attempts by outcome.
	WebhookDeliveries *prometheus.CounterVec

	// RateLimited counts requests and connections rejected by rate limits,
	// labelled by surface (http, ws).
	RateLimited *prometheus.CounterVec
}

// New creates a Metrics bundle backed by a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		InvalidMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "woly_invalid_messages_total",
			Help: "Frames dropped by protocol schema validation.",
		}, []string{"direction", "type"}),
		ProtocolSpoof: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "woly_protocol_spoof_total",
			Help: "Payloads whose nodeId disagreed with the bound session identity.",
		}),
		NodesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "woly_nodes_connected",
			Help: "Currently bound node WebSocket sessions.",
		}),
		CommandTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "woly_command_transitions_total",
			Help: "Command lifecycle transitions by resulting state.",
		}, []string{"state"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "woly_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome.",
		}, []string{"status"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "woly_rate_limited_total",
			Help: "Requests or connections rejected by rate limiting.",
		}, []string{"surface"}),
	}

	m.Registry.MustRegister(
		m.InvalidMessages,
		m.ProtocolSpoof,
		m.NodesConnected,
		m.CommandTransitions,
		m.WebhookDeliveries,
		m.RateLimited,
	)
	return m
}
