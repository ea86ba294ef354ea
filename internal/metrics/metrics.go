// Package metrics exposes the Prometheus instrumentation surface for the
// reactor. Counters are package-level promauto vars, in the style of
// other proxies in this ecosystem, since the reactor itself is a
// process-wide singleton.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlowsActive tracks Flows currently resident in the slab.
	FlowsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tnexus_flows_active",
		Help: "Flows currently resident in the slab",
	})

	// FlowsTotal counts every Flow ever accepted.
	FlowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tnexus_flows_total",
		Help: "Total Flows accepted",
	})

	// FlowsRejected counts accepted sockets dropped because the slab
	// was full.
	FlowsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tnexus_flows_rejected_total",
		Help: "Connections rejected because the Flow slab was full",
	})

	// BytesForwarded counts bytes relayed, broken down by direction.
	BytesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tnexus_bytes_forwarded_total",
		Help: "Bytes relayed between inbound and outbound halves",
	}, []string{"direction"})

	// MultiplexDecisions counts Multiplexer outcomes by result.
	MultiplexDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tnexus_multiplex_decisions_total",
		Help: "Multiplexer decisions by outcome",
	}, []string{"result"})
)
