// File: transport/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The transport: op lifecycle, packet dispatch, and the poll loop.
// One logical polling context drives Poll; application goroutines call
// the op entry points concurrently against different ops.

package transport

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-homa/api"
	"github.com/momentics/hioload-homa/control"
	"github.com/momentics/hioload-homa/core/concurrency"
	"github.com/momentics/hioload-homa/core/message"
	"github.com/momentics/hioload-homa/core/protocol"
	"github.com/momentics/hioload-homa/pool"
)

// Option customizes a Transport.
type Option func(*options)

type options struct {
	scheduler        Scheduler
	log              *logrus.Logger
	pollBatchSize    int
	unscheduledLimit uint32
}

// WithScheduler replaces the default grant scheduler.
func WithScheduler(s Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithLogger replaces the default logger.
func WithLogger(log *logrus.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithConfig applies tunables from a control.Config.
func WithConfig(cfg *control.Config) Option {
	return func(o *options) {
		o.pollBatchSize = cfg.PollBatchSize
		o.unscheduledLimit = cfg.UnscheduledByteLimit
	}
}

// Transport delivers discrete request/reply ops over a packet driver.
type Transport struct {
	driver      api.Driver
	transportID uint64

	nextOpSequence atomic.Uint64

	sender    *Sender
	receiver  *Receiver
	scheduler Scheduler

	// mu protects the op pool and activeOps.
	mu        concurrency.SpinLock
	opPool    *pool.Slab[Op]
	activeOps map[*Op]struct{}

	// pendingServerOps holds server ops that are ready but not yet
	// delivered to the application.
	pendingServerOps *opQueue

	// updateHints is the deduplicated re-evaluation queue; unusedOps
	// collects ops marked destroy for reclamation.
	updateHints *hintQueue
	unusedOps   *opQueue

	packetBatch []*api.Packet

	log *logrus.Entry
}

// New creates a transport over driver with a cluster-unique id.
func New(driver api.Driver, transportID uint64, opts ...Option) *Transport {
	o := options{
		log:              logrus.StandardLogger(),
		pollBatchSize:    control.DefaultConfig().PollBatchSize,
		unscheduledLimit: control.DefaultConfig().UnscheduledByteLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}

	t := &Transport{
		driver:           driver,
		transportID:      transportID,
		opPool:           pool.NewSlab[Op](),
		activeOps:        make(map[*Op]struct{}),
		pendingServerOps: newOpQueue(),
		updateHints:      newHintQueue(),
		unusedOps:        newOpQueue(),
		packetBatch:      make([]*api.Packet, o.pollBatchSize),
		log:              o.log.WithField("module", "transport"),
	}
	t.sender = NewSender(driver, o.unscheduledLimit, o.log)
	t.scheduler = o.scheduler
	if t.scheduler == nil {
		t.scheduler = newNopScheduler()
	}
	t.receiver = NewReceiver(t.scheduler, o.log)
	return t
}

// Receiver exposes the receive module; used by schedulers and tests.
func (t *Transport) Receiver() *Receiver { return t.receiver }

// Sender exposes the send module.
func (t *Transport) Sender() *Sender { return t.sender }

// Driver returns the driver this transport runs on.
func (t *Transport) Driver() api.Driver { return t.driver }

// ID returns the transport's cluster-unique identifier.
func (t *Transport) ID() uint64 { return t.transportID }

// AllocOp constructs a retained remote op with header space reserved
// in its outbound message.
func (t *Transport) AllocOp() *Op {
	t.mu.Lock()
	op := t.opPool.Get()
	t.mu.Unlock()

	op.reset(t, t.driver, false)
	op.outMessage.message = message.New(t.driver, protocol.DataHeaderLength, 0)
	if _, err := op.outMessage.message.ReserveHeader(protocol.MessageHeaderLength); err != nil {
		t.log.WithError(err).Error("cannot reserve message header")
	}
	op.retained.Store(true)

	t.mu.Lock()
	t.activeOps[op] = struct{}{}
	t.mu.Unlock()
	control.ActiveOps.Inc()
	return op
}

// ReceiveOp pops the next ready server op, retaining it and reserving
// header space for the eventual reply; nil when none are pending.
func (t *Transport) ReceiveOp() *Op {
	op := t.pendingServerOps.pop()
	if op == nil {
		return nil
	}
	op.retained.Store(true)
	op.outMessage.message = message.New(t.driver, protocol.DataHeaderLength, 0)
	if _, err := op.outMessage.message.ReserveHeader(protocol.MessageHeaderLength); err != nil {
		t.log.WithError(err).Error("cannot reserve message header")
	}
	return op
}

// ReleaseOp gives up the application's handle. Destruction happens on
// a later poll, once processUpdates observes the release.
func (t *Transport) ReleaseOp(op *Op) {
	op.retained.Store(false)
	op.HintUpdate()
}

// SendRequest sends op's outbound message as a request to destination.
//
// On a remote op this starts the op: the ultimate-response id is
// registered with the Receiver before the request reaches the Sender,
// so no response can arrive to an unregistered id.
//
// On a server op this delegates the op down the chain; the outgoing id
// derives from the inbound tag plus one. Delegation is one-shot: a
// second SendRequest on the same server op reuses the same outgoing id
// and is a caller error.
func (t *Transport) SendRequest(op *Op, destination api.Address) error {
	if op.isServerOp {
		return t.delegateRequest(op, destination)
	}

	opID := protocol.OpId{
		TransportID: t.transportID,
		Sequence:    t.nextOpSequence.Add(1) - 1,
	}
	if err := t.stampReplyAddress(op, t.driver.LocalAddress()); err != nil {
		return err
	}
	t.receiver.RegisterOp(protocol.NewMessageId(opID, protocol.UltimateResponseTag), op)
	t.sender.SendMessage(protocol.NewMessageId(opID, protocol.InitialRequestTag), destination, op, false)
	op.state.Store(int32(InProgress))
	return nil
}

// delegateRequest forwards a server op to the next hop. The originator
// address rides along in the outbound header so the ultimate response
// can bypass the intermediate hops.
func (t *Transport) delegateRequest(op *Op, destination api.Address) error {
	in := op.inMessage.Load()
	if in == nil {
		return api.ErrNoInboundMessage
	}
	header, err := in.header()
	if err != nil {
		return err
	}
	region, err := op.outMessage.message.ReserveHeader(protocol.MessageHeaderLength)
	if err != nil {
		return err
	}
	if err := protocol.MarshalMessageHeader(&header, region); err != nil {
		return err
	}

	id := in.GetId()
	id.Tag++
	t.sender.SendMessage(id, destination, op, true)
	return nil
}

// SendReply sends op's outbound message as the ultimate response, to
// the reply address carried in the inbound message header.
func (t *Transport) SendReply(op *Op) error {
	if !op.isServerOp {
		return api.ErrNotServerOp
	}
	in := op.inMessage.Load()
	if in == nil {
		return api.ErrNoInboundMessage
	}
	header, err := in.header()
	if err != nil {
		return err
	}
	replyAddress, err := t.driver.GetAddressRaw(header.ReplyAddress)
	if err != nil {
		return err
	}
	if err := t.stampReplyAddress(op, t.driver.LocalAddress()); err != nil {
		return err
	}
	replyID := protocol.NewMessageId(in.GetId().OpId, protocol.UltimateResponseTag)
	t.sender.SendMessage(replyID, replyAddress, op, false)
	op.state.Store(int32(InProgress))
	return nil
}

// stampReplyAddress writes addr into op's outbound message header.
func (t *Transport) stampReplyAddress(op *Op, addr api.Address) error {
	region, err := op.outMessage.message.ReserveHeader(protocol.MessageHeaderLength)
	if err != nil {
		return err
	}
	header := protocol.MessageHeader{ReplyAddress: addr.Raw()}
	return protocol.MarshalMessageHeader(&header, region)
}

// Poll makes incremental progress on everything the transport owns.
// Not reentrant; one thread at a time.
func (t *Transport) Poll() {
	t.processPackets()
	t.sender.Poll()
	t.receiver.Poll()
	t.scheduler.Poll()
	t.processInboundMessages()
	t.checkForUpdates()
	t.cleanupOps()
}

// processPackets drains the driver's receive queue and dispatches each
// packet by opcode.
func (t *Transport) processPackets() {
	n := t.driver.ReceivePackets(t.packetBatch)
	if n == 0 {
		return
	}
	control.PacketsReceived.Add(float64(n))
	for _, pkt := range t.packetBatch[:n] {
		opcode, err := protocol.Opcode(pkt.Payload[:pkt.Length])
		if err != nil {
			t.log.WithError(err).Debug("runt packet")
			t.driver.ReleasePackets([]*api.Packet{pkt})
			continue
		}
		switch opcode {
		case protocol.OpcodeData:
			if op := t.receiver.HandleDataPacket(pkt, t.driver); op != nil {
				op.HintUpdate()
			}
		case protocol.OpcodeGrant:
			t.sender.HandleGrantPacket(pkt, t.driver)
		case protocol.OpcodeDone:
			t.sender.HandleDonePacket(pkt, t.driver)
		default:
			control.UnknownOpcodePackets.Inc()
			t.log.WithField("opcode", opcode).Debug("unknown opcode")
			t.driver.ReleasePackets([]*api.Packet{pkt})
		}
	}
}

// processInboundMessages adopts newly surfaced initial requests as
// server ops and drops everything else.
func (t *Transport) processInboundMessages() {
	for {
		in := t.receiver.ReceiveMessage()
		if in == nil {
			return
		}
		id := in.GetId()
		if id.Tag != protocol.InitialRequestTag {
			// An unexpected response or stray chained message; nobody
			// will ever claim it.
			t.log.WithField("id", id).Debug("dropping unclaimed inbound message")
			t.receiver.DropMessage(in)
			continue
		}
		t.mu.Lock()
		op := t.opPool.Get()
		t.mu.Unlock()
		op.reset(t, t.driver, true)
		t.receiver.RegisterOp(id, op)
		t.mu.Lock()
		t.activeOps[op] = struct{}{}
		t.mu.Unlock()
		control.ActiveOps.Inc()
		op.HintUpdate()
	}
}

// checkForUpdates drains the hint queue, re-evaluating each op that is
// still live. Hints are cheap pointers: an op can be reclaimed between
// hint and drain, so membership in activeOps gates the call.
func (t *Transport) checkForUpdates() {
	for {
		op := t.updateHints.pop()
		if op == nil {
			return
		}
		t.mu.Lock()
		_, active := t.activeOps[op]
		t.mu.Unlock()
		if !active {
			continue
		}
		op.mu.Lock()
		op.processUpdates()
		op.mu.Unlock()
	}
}

// cleanupOps reclaims every op marked for destruction.
func (t *Transport) cleanupOps() {
	for {
		op := t.unusedOps.pop()
		if op == nil {
			return
		}
		t.mu.Lock()
		_, present := t.activeOps[op]
		delete(t.activeOps, op)
		t.mu.Unlock()
		if present {
			control.ActiveOps.Dec()
		}
		t.receiver.DropOp(op)
		if op.outMessage.message != nil {
			t.sender.forget(op.outMessage.id)
			op.outMessage.releaseUnsent()
		}
		t.mu.Lock()
		t.opPool.Put(op)
		t.mu.Unlock()
	}
}

// nopScheduler stands in when no scheduler is configured: every
// message relies on its unscheduled credit.
type nopScheduler struct{}

func newNopScheduler() *nopScheduler { return &nopScheduler{} }

func (*nopScheduler) PacketReceived(protocol.MessageId, api.Address, uint32, uint32) {}
func (*nopScheduler) Poll()                                                          {}
