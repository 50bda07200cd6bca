// File: transport/outbound.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Emission state for one outbound message. The Sender advances
// sentPackets within the granted byte credit; acknowledgement is only
// expected for chained requests, which the downstream peer answers
// with a DONE packet.

package transport

import (
	"sync/atomic"

	"github.com/momentics/hioload-homa/api"
	"github.com/momentics/hioload-homa/core/message"
	"github.com/momentics/hioload-homa/core/protocol"
)

// OutboundMessage is the sending half of an op.
type OutboundMessage struct {
	id          protocol.MessageId
	destination api.Address
	message     *message.Message

	// grantOffset is the byte credit: packets whose first byte lies
	// below it may be emitted. Raised monotonically by GRANT packets.
	grantOffset atomic.Uint32

	// sentPackets counts packet slots already handed to the driver.
	sentPackets int

	// sent flips once the driver has consumed every packet.
	sent atomic.Bool

	// expectAck is true for chained requests: the downstream peer owes
	// a DONE packet before the message counts as finished.
	expectAck    bool
	acknowledged atomic.Bool
}

// GetId returns the outgoing message id.
func (m *OutboundMessage) GetId() protocol.MessageId { return m.id }

// Sent reports whether the driver has consumed all packets.
func (m *OutboundMessage) Sent() bool { return m.sent.Load() }

// IsDone reports whether transmission is complete: everything sent and
// every expected acknowledgement received.
func (m *OutboundMessage) IsDone() bool {
	return m.sent.Load() && (!m.expectAck || m.acknowledged.Load())
}

// reset prepares the embedded record for a fresh op.
func (m *OutboundMessage) reset() {
	m.id = protocol.MessageId{}
	m.destination = nil
	m.message = nil
	m.grantOffset.Store(0)
	m.sentPackets = 0
	m.sent.Store(false)
	m.expectAck = false
	m.acknowledged.Store(false)
}

// releaseUnsent returns never-emitted packets to the driver; packets
// already handed to SendPackets belong to the driver again.
func (m *OutboundMessage) releaseUnsent() {
	if m.message != nil {
		m.message.ReleasePackets(m.sentPackets)
	}
}
