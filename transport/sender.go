// File: transport/sender.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Paced, granted emission of outbound messages. Packets fly only while
// their byte offset lies under the granted credit; GRANT packets raise
// the credit, DONE packets acknowledge chained requests end-to-end.

package transport

import (
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-homa/api"
	"github.com/momentics/hioload-homa/control"
	"github.com/momentics/hioload-homa/core/concurrency"
	"github.com/momentics/hioload-homa/core/protocol"
)

// Sender queues and emits outbound messages.
type Sender struct {
	mu concurrency.SpinLock

	driver api.Driver

	// unscheduledLimit is the credit every message starts with, before
	// the first GRANT from the receiving side.
	unscheduledLimit uint32

	// outbound indexes in-flight messages by outgoing id for GRANT and
	// DONE dispatch.
	outbound map[protocol.MessageId]*Op

	log *logrus.Entry
}

// NewSender creates a Sender emitting through driver.
func NewSender(driver api.Driver, unscheduledLimit uint32, log *logrus.Logger) *Sender {
	return &Sender{
		driver:           driver,
		unscheduledLimit: unscheduledLimit,
		outbound:         make(map[protocol.MessageId]*Op),
		log:              log.WithField("module", "sender"),
	}
}

// SendMessage enqueues op's outbound message under the outgoing id.
// expectingResponse marks a chained request sent on behalf of a server
// op: the downstream peer owes a DONE acknowledgement, and no ultimate
// response will come back through this transport.
func (s *Sender) SendMessage(id protocol.MessageId, destination api.Address, op *Op, expectingResponse bool) {
	m := &op.outMessage
	m.id = id
	m.destination = destination
	m.expectAck = expectingResponse

	// Stamp the wire header of every packet slot now; emission later
	// only needs to hand slots to the driver.
	raw := m.message.RawLength()
	for i := 0; i < m.message.GetNumPackets(); i++ {
		pkt := m.message.GetPacket(uint16(i))
		header := protocol.DataHeader{
			CommonHeader: protocol.CommonHeader{ID: id},
			Index:        uint16(i),
			TotalLength:  raw,
		}
		if err := protocol.MarshalDataHeader(&header, pkt.Payload); err != nil {
			s.log.WithError(err).WithField("id", id).Error("cannot stamp data header")
			op.fail()
			return
		}
		pkt.Address = destination
	}

	// Always float at least one packet so a short message (or a quiet
	// scheduler) cannot deadlock waiting for its own first grant.
	credit := s.unscheduledLimit
	if pdl := uint32(m.message.PacketDataLength()); credit < pdl {
		credit = pdl
	}
	if credit > raw {
		credit = raw
	}
	m.grantOffset.Store(credit)

	s.mu.Lock()
	s.outbound[id] = op
	s.mu.Unlock()
}

// HandleGrantPacket raises the credit of the named message. Credit
// only moves forward; a stale or unknown grant is dropped.
func (s *Sender) HandleGrantPacket(pkt *api.Packet, driver api.Driver) {
	header, err := protocol.UnmarshalGrantHeader(pkt.Payload[:pkt.Length])
	driver.ReleasePackets([]*api.Packet{pkt})
	if err != nil {
		s.log.WithError(err).Debug("malformed grant packet")
		return
	}
	s.mu.Lock()
	op := s.outbound[header.ID]
	s.mu.Unlock()
	if op == nil {
		return
	}
	m := &op.outMessage
	for {
		current := m.grantOffset.Load()
		if header.Offset <= current {
			return
		}
		if m.grantOffset.CompareAndSwap(current, header.Offset) {
			return
		}
	}
}

// HandleDonePacket marks the named message acknowledged end-to-end and
// hints its op.
func (s *Sender) HandleDonePacket(pkt *api.Packet, driver api.Driver) {
	header, err := protocol.UnmarshalDoneHeader(pkt.Payload[:pkt.Length])
	driver.ReleasePackets([]*api.Packet{pkt})
	if err != nil {
		s.log.WithError(err).Debug("malformed done packet")
		return
	}
	s.mu.Lock()
	op := s.outbound[header.ID]
	s.mu.Unlock()
	if op == nil {
		return
	}
	op.outMessage.acknowledged.Store(true)
	op.HintUpdate()
}

// Poll emits every packet the current credit allows and retires
// finished messages. Driver I/O happens outside the Sender mutex;
// per-message emission state is only touched by the polling thread.
func (s *Sender) Poll() {
	s.mu.Lock()
	inFlight := make([]*Op, 0, len(s.outbound))
	for _, op := range s.outbound {
		inFlight = append(inFlight, op)
	}
	s.mu.Unlock()

	for _, op := range inFlight {
		m := &op.outMessage
		if !m.sent.Load() {
			s.emit(op)
		}
		if m.IsDone() {
			s.mu.Lock()
			delete(s.outbound, m.id)
			s.mu.Unlock()
		}
	}
}

// emit hands granted, unsent packets to the driver.
func (s *Sender) emit(op *Op) {
	m := &op.outMessage
	pdl := m.message.PacketDataLength()
	total := m.message.GetNumPackets()
	granted := int(m.grantOffset.Load())

	var batch []*api.Packet
	for m.sentPackets < total && m.sentPackets*pdl < granted {
		batch = append(batch, m.message.GetPacket(uint16(m.sentPackets)))
		m.sentPackets++
	}
	if len(batch) == 0 {
		return
	}
	if err := s.driver.SendPackets(batch); err != nil {
		s.log.WithError(err).WithField("id", m.id).Warn("send failed")
		s.mu.Lock()
		delete(s.outbound, m.id)
		s.mu.Unlock()
		op.fail()
		return
	}
	control.PacketsSent.Add(float64(len(batch)))
	if m.sentPackets == total {
		m.sent.Store(true)
		op.HintUpdate()
	}
}

// forget drops any in-flight tracking for id; used when an op is
// reclaimed before its message finished.
func (s *Sender) forget(id protocol.MessageId) {
	s.mu.Lock()
	delete(s.outbound, id)
	s.mu.Unlock()
}
