// Package metrics defines the agent's Prometheus instrumentation. Collectors
// live on a dedicated registry so tests can create isolated instances.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors the agent components record into. One
// instance is created in main and threaded through constructors.
type Metrics struct {
	Registry *prometheus.Registry

	// ScansTotal counts completed network scans by outcome.
	ScansTotal *prometheus.CounterVec

	// ScanDuration observes how long a full discovery sweep takes.
	ScanDuration prometheus.Histogram

	// HostsKnown tracks the size of the local host inventory.
	HostsKnown prometheus.Gauge

	// WakePackets counts magic packets sent, labelled by trigger
	// (command, api).
	WakePackets *prometheus.CounterVec

	// CNCConnected is 1 while the WebSocket session to the C&C is open.
	CNCConnected prometheus.Gauge

	// CommandsHandled counts C&C commands executed by type and outcome.
	CommandsHandled *prometheus.CounterVec
}

// New creates a Metrics bundle backed by a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "woly_node_scans_total",
			Help: "Completed network discovery sweeps by outcome.",
		}, []string{"outcome"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "woly_node_scan_duration_seconds",
			Help:    "Duration of a full discovery sweep.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		HostsKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "woly_node_hosts_known",
			Help: "Hosts currently tracked in the local inventory.",
		}),
		WakePackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "woly_node_wake_packets_total",
			Help: "Magic packets sent, by trigger.",
		}, []string{"trigger"}),
		CNCConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "woly_node_cnc_connected",
			Help: "1 while the C&C WebSocket session is open.",
		}),
		CommandsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "woly_node_commands_handled_total",
			Help: "C&C commands executed, by type and outcome.",
		}, []string{"type", "outcome"}),
	}

	m.Registry.MustRegister(
		m.ScansTotal,
		m.ScanDuration,
		m.HostsKnown,
		m.WakePackets,
		m.CNCConnected,
		m.CommandsHandled,
	)
	return m
}
