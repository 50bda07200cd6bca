// File: control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus instrumentation for the transport data path. Counters are
// process-global; one scrape covers every transport in the process.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsReceived counts packets drained from the driver.
	PacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homa_packets_received_total",
		Help: "Packets drained from the driver receive queue.",
	})

	// PacketsSent counts packets handed to the driver.
	PacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homa_packets_sent_total",
		Help: "Packets handed to the driver for transmission.",
	})

	// DuplicatePackets counts DATA packets dropped as duplicates.
	DuplicatePackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homa_duplicate_packets_total",
		Help: "DATA packets dropped because the slot was occupied or the message complete.",
	})

	// UnknownOpcodePackets counts packets released for unknown opcodes.
	UnknownOpcodePackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homa_unknown_opcode_packets_total",
		Help: "Packets released because the opcode was not recognized.",
	})

	// MessagesAssembled counts inbound messages fully received.
	MessagesAssembled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homa_messages_assembled_total",
		Help: "Inbound messages that reached full reassembly.",
	})

	// GrantsIssued counts GRANT packets emitted by the scheduler.
	GrantsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homa_grants_issued_total",
		Help: "GRANT packets emitted by the scheduler.",
	})

	// ActiveOps tracks ops currently held in activeOps.
	ActiveOps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homa_active_ops",
		Help: "Ops currently tracked by the transport.",
	})
)
