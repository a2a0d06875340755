// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts packets leaving the pipeline by verdict
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opte_packets_total",
			Help: "Total number of packets processed by a port",
		},
		[]string{"port", "dir", "verdict"},
	)

	// UFTLookupsTotal counts unified flow table lookups by result (hit, miss)
	UFTLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opte_uft_lookups_total",
			Help: "Total number of unified flow table lookups",
		},
		[]string{"port", "dir", "result"},
	)

	// DropsTotal counts dropped packets by the layer that dropped them and why
	DropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opte_drops_total",
			Help: "Total number of packets dropped",
		},
		[]string{"port", "dir", "layer", "reason"},
	)

	// ProcessLatencySeconds measures per-packet pipeline latency
	ProcessLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opte_process_latency_seconds",
			Help:    "Latency of packet processing in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0000001, 2, 20), // 100ns to ~50ms
		},
		[]string{"path"},
	)

	// NATMappings tracks live dynamic NAT mappings per port
	NATMappings = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opte_nat_mappings",
			Help: "Current number of dynamic NAT mappings",
		},
		[]string{"port"},
	)

	// FlowEntries tracks flow table occupancy per port and table
	FlowEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opte_flow_entries",
			Help: "Current number of entries in a flow table",
		},
		[]string{"port", "table"},
	)

	// FlowsExpiredTotal counts flows removed by the idle sweeper
	FlowsExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opte_flows_expired_total",
			Help: "Total number of flows expired for idleness",
		},
		[]string{"port"},
	)

	// TCPClosedTotal counts TCP flows torn down on close or reset
	TCPClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opte_tcp_closed_total",
			Help: "Total number of TCP flows torn down after close",
		},
		[]string{"port"},
	)

	// PortsRegistered tracks the number of live ports
	PortsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opte_ports_registered",
			Help: "Number of registered ports",
		},
	)

	// EventsTotal counts flow events by bus outcome (published, dropped)
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opte_flow_events_total",
			Help: "Total number of flow events offered to the event bus",
		},
		[]string{"partition", "result"},
	)

	// ExportErrorsTotal counts flow event export failures
	ExportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opte_export_errors_total",
			Help: "Total number of flow event export errors",
		},
		[]string{"exporter", "error_type"},
	)

	// RPCRequestsTotal counts control-plane requests by method and result code
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opte_rpc_requests_total",
			Help: "Total number of control-plane requests",
		},
		[]string{"method", "code"},
	)
)

// DeletePort drops every per-port series once a port is gone.
func DeletePort(port string) {
	labels := prometheus.Labels{"port": port}
	PacketsTotal.DeletePartialMatch(labels)
	UFTLookupsTotal.DeletePartialMatch(labels)
	DropsTotal.DeletePartialMatch(labels)
	NATMappings.DeletePartialMatch(labels)
	FlowEntries.DeletePartialMatch(labels)
	FlowsExpiredTotal.DeletePartialMatch(labels)
	TCPClosedTotal.DeletePartialMatch(labels)
}
