// File: transport/op.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The op: join point of one outbound and optionally one inbound
// message, with the state machine that drives it from NotStarted to
// Completed or Failed. processUpdates evaluates the state machine under
// the op mutex on the polling thread; SendRequest and SendReply move an
// op to InProgress directly, and a send failure moves it to Failed.

package transport

import (
	"sync/atomic"

	"github.com/momentics/hioload-homa/api"
	"github.com/momentics/hioload-homa/core/concurrency"
	"github.com/momentics/hioload-homa/core/protocol"
)

// OpState is the lifecycle state of an op.
type OpState int32

const (
	NotStarted OpState = iota
	InProgress
	Completed
	Failed
)

func (s OpState) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case InProgress:
		return "InProgress"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// Op is the per-operation context. Concurrent calls against different
// ops are safe; concurrent calls against the same op are the caller's
// responsibility to avoid.
type Op struct {
	transport *Transport
	driver    api.Driver

	isServerOp bool

	outMessage OutboundMessage

	// inMessage borrows a record owned by the Receiver's pool. Set by
	// RegisterOp or server-op adoption, cleared by DropOp.
	inMessage atomic.Pointer[InboundMessage]

	state    atomic.Int32
	retained atomic.Bool

	// mu guards destroy and the bodies of drop and processUpdates.
	// Never held while acquiring a Receiver or message mutex.
	mu concurrency.SpinLock

	// destroy marks the op for reclamation; set at most once.
	destroy bool
}

// State returns the current lifecycle state.
func (op *Op) State() OpState { return OpState(op.state.Load()) }

// IsServerOp reports whether the op's inbound message originated
// remotely.
func (op *Op) IsServerOp() bool { return op.isServerOp }

// InMessage returns the borrowed inbound message, if any.
func (op *Op) InMessage() *InboundMessage { return op.inMessage.Load() }

// OutPayloadAppend appends application bytes to the outbound message,
// after the reserved header.
func (op *Op) OutPayloadAppend(data []byte) error {
	return op.outMessage.message.Append(data)
}

// HintUpdate asks the poll loop to re-evaluate this op. Duplicate
// hints collapse while one is still queued.
func (op *Op) HintUpdate() {
	op.transport.updateHints.push(op)
}

// reset prepares a pooled record for a fresh op.
func (op *Op) reset(t *Transport, driver api.Driver, isServerOp bool) {
	op.transport = t
	op.driver = driver
	op.isServerOp = isServerOp
	op.outMessage.reset()
	op.inMessage.Store(nil)
	op.state.Store(int32(NotStarted))
	op.retained.Store(false)
	op.destroy = false
}

// fail moves the op to Failed and schedules a re-evaluation. Retention
// semantics are identical to Completed.
func (op *Op) fail() {
	op.state.Store(int32(Failed))
	op.HintUpdate()
}

// drop marks the op for destruction and queues it for reclamation
// exactly once. Caller holds op.mu.
func (op *Op) drop() {
	if op.destroy {
		return
	}
	op.destroy = true
	op.transport.unusedOps.push(op)
}

// processUpdates advances the state machine. Caller holds op.mu; runs
// only on the polling thread via the hint queue.
func (op *Op) processUpdates() {
	if op.destroy {
		return
	}
	if op.isServerOp {
		op.processServerUpdates()
	} else {
		op.processRemoteUpdates()
	}
}

func (op *Op) processServerUpdates() {
	switch op.State() {
	case NotStarted:
		if in := op.inMessage.Load(); in != nil && in.IsReady() {
			op.state.Store(int32(InProgress))
			op.transport.pendingServerOps.push(op)
		}
	case InProgress:
		if op.outMessage.IsDone() {
			if in := op.inMessage.Load(); in != nil && in.GetId().Tag != protocol.InitialRequestTag {
				// A chained hop: tell the delegating peer the chain
				// has completed.
				op.sendDone(in)
			}
			op.state.Store(int32(Completed))
			op.HintUpdate()
		}
	case Completed, Failed:
		if !op.retained.Load() {
			op.drop()
		}
	}
}

func (op *Op) processRemoteUpdates() {
	if !op.retained.Load() {
		op.drop()
		return
	}
	if op.State() == InProgress {
		if in := op.inMessage.Load(); in != nil && in.IsReady() {
			op.state.Store(int32(Completed))
			op.HintUpdate()
		}
	}
}

// sendDone synthesizes a DONE packet back to the source of in.
func (op *Op) sendDone(in *InboundMessage) {
	source := in.Source()
	if source == nil {
		return
	}
	pkt := op.driver.AllocPacket()
	header := protocol.DoneHeader{CommonHeader: protocol.CommonHeader{ID: in.GetId()}}
	if err := protocol.MarshalDoneHeader(&header, pkt.Payload); err != nil {
		op.driver.ReleasePackets([]*api.Packet{pkt})
		return
	}
	pkt.Length = protocol.DoneHeaderLength
	pkt.Address = source
	_ = op.driver.SendPackets([]*api.Packet{pkt})
}
