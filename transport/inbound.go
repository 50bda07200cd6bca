// File: transport/inbound.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reassembly state for one received message. Owned by the Receiver's
// pool; ops only borrow the record through their inMessage pointer.
//
// The op state machine reads this record while holding the op mutex,
// which must never wait on a message mutex. Everything it needs is
// therefore lock-free: id is immutable once the record is published,
// source is written once, fullMessageReceived is a monotonic latch.

package transport

import (
	"sync/atomic"

	"github.com/momentics/hioload-homa/api"
	"github.com/momentics/hioload-homa/core/concurrency"
	"github.com/momentics/hioload-homa/core/message"
	"github.com/momentics/hioload-homa/core/protocol"
)

// InboundMessage accumulates the packets of one incoming message.
type InboundMessage struct {
	// mu guards message construction and packet installation.
	// Acquired after the Receiver mutex, never before it.
	mu concurrency.SpinLock

	// id is stable from the moment the record is first published.
	id protocol.MessageId

	// source is the resolved driver-owned handle, never the transient
	// address attached to an incoming packet. Written once under mu.
	source atomic.Pointer[api.Address]

	// message is constructed on receipt of the first data packet,
	// which carries the total message length. Guarded by mu.
	message *message.Message

	fullMessageReceived atomic.Bool
}

// GetId returns the message id.
func (m *InboundMessage) GetId() protocol.MessageId { return m.id }

// Source returns the resolved sender handle, nil before the first
// packet arrives.
func (m *InboundMessage) Source() api.Address {
	if p := m.source.Load(); p != nil {
		return *p
	}
	return nil
}

// setSource records the resolved handle. Caller holds mu.
func (m *InboundMessage) setSource(a api.Address) {
	m.source.Store(&a)
}

// IsReady reports whether the message is fully received.
func (m *InboundMessage) IsReady() bool {
	return m.fullMessageReceived.Load()
}

// Payload copies out the message bytes after the typed header. Returns
// nil until the message is fully received.
func (m *InboundMessage) Payload() []byte {
	if !m.fullMessageReceived.Load() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.message == nil {
		return nil
	}
	return m.message.Bytes(protocol.MessageHeaderLength)
}

// header decodes the typed message prefix; fails until packet 0 is in.
func (m *InboundMessage) header() (protocol.MessageHeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.message == nil {
		return protocol.MessageHeader{}, api.ErrNoInboundMessage
	}
	raw, err := m.message.HeaderBytes(protocol.MessageHeaderLength)
	if err != nil {
		return protocol.MessageHeader{}, err
	}
	return protocol.UnmarshalMessageHeader(raw)
}

// reset prepares a pooled record for reuse. Caller holds the Receiver
// mutex; the record is not yet externalized.
func (m *InboundMessage) reset(id protocol.MessageId) {
	m.id = id
	m.source.Store(nil)
	m.message = nil
	m.fullMessageReceived.Store(false)
}

// releasePackets returns the message's packets to the driver. Caller
// holds m.mu.
func (m *InboundMessage) releasePackets() {
	if m.message != nil {
		m.message.ReleasePackets(0)
		m.message = nil
	}
}
