// File: scheduler/scheduler.go
// Package scheduler implements the default receiver-driven grant
// policy.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// For every partially received message the scheduler keeps one RTT of
// bytes granted beyond what has arrived, so the sender's pipe stays
// full without flooding the fabric. The pacing policy is deliberately
// replaceable: the transport only depends on the PacketReceived/Poll
// contract.

package scheduler

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-homa/api"
	"github.com/momentics/hioload-homa/control"
	"github.com/momentics/hioload-homa/core/concurrency"
	"github.com/momentics/hioload-homa/core/protocol"
)

// GrantScheduler emits GRANT packets sized to one RTT of link capacity.
type GrantScheduler struct {
	driver   api.Driver
	rttBytes uint32

	mu concurrency.SpinLock
	// granted tracks the credit already extended per message.
	granted map[protocol.MessageId]uint32

	log *logrus.Entry
}

// New creates a scheduler over driver assuming the given round-trip
// time.
func New(driver api.Driver, rtt time.Duration, log *logrus.Logger) *GrantScheduler {
	bytesPerSecond := driver.Bandwidth() / 8
	rttBytes := uint32(uint64(rtt.Nanoseconds()) * bytesPerSecond / uint64(time.Second))
	if rttBytes == 0 {
		rttBytes = uint32(driver.MaxPayloadSize())
	}
	return &GrantScheduler{
		driver:   driver,
		rttBytes: rttBytes,
		granted:  make(map[protocol.MessageId]uint32),
		log:      log.WithField("module", "scheduler"),
	}
}

// RTTBytes returns the grant window in bytes.
func (s *GrantScheduler) RTTBytes() uint32 { return s.rttBytes }

// PacketReceived accounts one accepted DATA packet and extends the
// sender's credit when the window has room. Called once per accepted
// packet, in acceptance order.
func (s *GrantScheduler) PacketReceived(id protocol.MessageId, source api.Address, messageLength, bytesReceived uint32) {
	if bytesReceived >= messageLength {
		// Message complete; no further grants wanted.
		s.mu.Lock()
		delete(s.granted, id)
		s.mu.Unlock()
		return
	}

	desired := bytesReceived + s.rttBytes
	if desired > messageLength {
		desired = messageLength
	}

	s.mu.Lock()
	current, ok := s.granted[id]
	if !ok {
		// The unscheduled prefix was implicit credit.
		current = s.rttBytes
	}
	advance := desired > current
	if advance {
		s.granted[id] = desired
	}
	s.mu.Unlock()

	if advance {
		s.sendGrant(id, source, desired)
	}
}

// Poll is the pacing tick; the simple window policy does all its work
// inline in PacketReceived.
func (s *GrantScheduler) Poll() {}

// sendGrant emits one GRANT packet extending credit to offset.
func (s *GrantScheduler) sendGrant(id protocol.MessageId, destination api.Address, offset uint32) {
	pkt := s.driver.AllocPacket()
	header := protocol.GrantHeader{
		CommonHeader: protocol.CommonHeader{ID: id},
		Offset:       offset,
	}
	if err := protocol.MarshalGrantHeader(&header, pkt.Payload); err != nil {
		s.driver.ReleasePackets([]*api.Packet{pkt})
		return
	}
	pkt.Length = protocol.GrantHeaderLength
	pkt.Address = destination
	if err := s.driver.SendPackets([]*api.Packet{pkt}); err != nil {
		s.log.WithError(err).WithField("id", id).Debug("grant send failed")
		return
	}
	control.GrantsIssued.Inc()
}
