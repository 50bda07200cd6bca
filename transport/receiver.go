// File: transport/receiver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Packet-to-message demux. Incoming DATA packets are matched to a
// registered op or accumulated as unregistered inbound messages; the
// grant scheduler is notified once per accepted packet, in acceptance
// order.

package transport

import (
	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-homa/api"
	"github.com/momentics/hioload-homa/control"
	"github.com/momentics/hioload-homa/core/concurrency"
	"github.com/momentics/hioload-homa/core/message"
	"github.com/momentics/hioload-homa/core/protocol"
	"github.com/momentics/hioload-homa/pool"
)

// Scheduler is the receiver-driven rate controller. The Receiver calls
// PacketReceived exactly once per accepted DATA packet; whether to
// grant more is entirely the scheduler's concern.
type Scheduler interface {
	PacketReceived(id protocol.MessageId, source api.Address, messageLength, bytesReceived uint32)

	// Poll lets the scheduler make incremental pacing progress.
	Poll()
}

// Receiver reassembles messages from out-of-order packets.
type Receiver struct {
	// mu protects the tables and the message pool. Always acquired
	// before any per-message mutex.
	mu concurrency.SpinLock

	scheduler Scheduler

	// An inbound message id lives in at most one of these two tables.
	registeredOps        map[protocol.MessageId]*Op
	unregisteredMessages map[protocol.MessageId]*InboundMessage

	// receivedMessages holds newly created unregistered messages that
	// have not yet been surfaced through ReceiveMessage. FIFO in
	// first-packet arrival order.
	receivedMessages *queue.Queue

	messagePool *pool.Slab[InboundMessage]

	log *logrus.Entry
}

// NewReceiver creates a Receiver feeding the given scheduler.
func NewReceiver(scheduler Scheduler, log *logrus.Logger) *Receiver {
	return &Receiver{
		scheduler:            scheduler,
		registeredOps:        make(map[protocol.MessageId]*Op),
		unregisteredMessages: make(map[protocol.MessageId]*InboundMessage),
		receivedMessages:     queue.New(),
		messagePool:          pool.NewSlab[InboundMessage](),
		log:                  log.WithField("module", "receiver"),
	}
}

// HandleDataPacket processes one incoming DATA packet. Returns the op
// whose message the packet completed, if any; otherwise nil. Duplicate
// packets are released without notifying the scheduler.
func (r *Receiver) HandleDataPacket(pkt *api.Packet, driver api.Driver) *Op {
	header, err := protocol.UnmarshalDataHeader(pkt.Payload[:pkt.Length])
	if err != nil {
		r.log.WithError(err).Debug("malformed data packet")
		driver.ReleasePackets([]*api.Packet{pkt})
		return nil
	}
	id := header.ID

	var op *Op
	var msg *InboundMessage
	r.mu.Lock()
	if registered, ok := r.registeredOps[id]; ok {
		op = registered
		msg = op.inMessage.Load()
		if msg == nil {
			// Registration always attaches a message first; a nil here
			// is a table corruption, not a network condition.
			r.mu.Unlock()
			r.log.WithField("id", id).Error("registered op without inbound message")
			driver.ReleasePackets([]*api.Packet{pkt})
			return nil
		}
	} else if existing, ok := r.unregisteredMessages[id]; ok {
		msg = existing
	} else {
		msg = r.messagePool.Get()
		msg.reset(id)
		r.unregisteredMessages[id] = msg
		r.receivedMessages.Add(msg)
	}
	// Hand-over-hand: take the message mutex before dropping the
	// Receiver mutex so the record cannot be recycled under us, then
	// release the Receiver mutex before the address resolution below.
	msg.mu.Lock()
	r.mu.Unlock()
	defer msg.mu.Unlock()

	if msg.message == nil {
		msg.message = message.New(driver, protocol.DataHeaderLength, header.TotalLength)
		// Re-resolve through the driver; the address attached to the
		// packet may disappear when the packet is released.
		source, err := driver.GetAddress(pkt.Address.String())
		if err != nil {
			r.log.WithError(err).WithField("id", id).Warn("cannot resolve packet source")
			driver.ReleasePackets([]*api.Packet{pkt})
			return nil
		}
		msg.setSource(source)
	}

	if msg.fullMessageReceived.Load() {
		// All packets already received; must be a duplicate.
		control.DuplicatePackets.Inc()
		driver.ReleasePackets([]*api.Packet{pkt})
		return nil
	}

	// A source change or length change mid-message is a peer
	// programming error, not a network condition: drop the packet.
	if src := msg.Source(); src == nil || src.String() != pkt.Address.String() ||
		msg.message.RawLength() != header.TotalLength {
		r.log.WithFields(logrus.Fields{
			"id":     id,
			"source": pkt.Address.String(),
		}).Warn("data packet violates message invariants")
		driver.ReleasePackets([]*api.Packet{pkt})
		return nil
	}

	if !msg.message.SetPacket(header.Index, pkt) {
		// Slot occupied; must be a duplicate.
		control.DuplicatePackets.Inc()
		driver.ReleasePackets([]*api.Packet{pkt})
		return nil
	}

	// Sloppy for the trailing packet, which may be short; once the
	// last packet is in, no more grants are needed anyway.
	received := uint32(msg.message.PacketDataLength() * msg.message.GetNumPackets())
	r.scheduler.PacketReceived(id, msg.Source(), msg.message.RawLength(), received)
	if received >= msg.message.RawLength() {
		msg.fullMessageReceived.Store(true)
		control.MessagesAssembled.Inc()
		return op
	}
	return nil
}

// ReceiveMessage pops the next unregistered inbound message, in FIFO
// order of first-packet arrival; nil when none are pending. The
// returned message may still be partially received; the Receiver keeps
// filling it until it is registered or dropped.
func (r *Receiver) ReceiveMessage() *InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.receivedMessages.Length() == 0 {
		return nil
	}
	return r.receivedMessages.Remove().(*InboundMessage)
}

// DropMessage discards an unregistered message obtained from
// ReceiveMessage and recycles its record. Must not be called twice for
// the same message.
func (r *Receiver) DropMessage(msg *InboundMessage) {
	r.mu.Lock()
	msg.mu.Lock()
	delete(r.unregisteredMessages, msg.id)
	msg.releasePackets()
	msg.mu.Unlock()
	r.messagePool.Put(msg)
	r.mu.Unlock()
}

// RegisterOp binds the inbound message named by id to op, adopting an
// already-accumulating unregistered message when one exists. The
// application uses this to pre-declare an expected response before its
// first packet arrives.
func (r *Receiver) RegisterOp(id protocol.MessageId, op *Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var msg *InboundMessage
	if existing, ok := r.unregisteredMessages[id]; ok {
		msg = existing
		delete(r.unregisteredMessages, id)
	} else {
		msg = r.messagePool.Get()
		msg.reset(id)
	}
	op.inMessage.Store(msg)
	r.registeredOps[id] = op
}

// DropOp detaches and recycles op's inbound message and forgets the
// registration. No-op for ops that never registered one.
func (r *Receiver) DropOp(op *Op) {
	r.mu.Lock()
	msg := op.inMessage.Load()
	if msg == nil {
		r.mu.Unlock()
		return
	}
	msg.mu.Lock()
	op.inMessage.Store(nil)
	delete(r.registeredOps, msg.id)
	msg.releasePackets()
	msg.mu.Unlock()
	r.messagePool.Put(msg)
	r.mu.Unlock()
}

// Poll lets the Receiver make incremental progress on background work.
// Reassembly is entirely packet-driven; nothing to do today.
func (r *Receiver) Poll() {}
