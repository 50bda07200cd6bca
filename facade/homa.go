// File: facade/homa.go
// Package facade exposes the application surface of the op transport:
// a Transport wrapper plus RemoteOp and ServerOp handles.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A handle may be used by one goroutine at a time; different handles
// are safe concurrently. Every handle must be released exactly once.

package facade

import (
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-homa/api"
	"github.com/momentics/hioload-homa/control"
	"github.com/momentics/hioload-homa/scheduler"
	"github.com/momentics/hioload-homa/transport"
)

// Transport is the application entry point.
type Transport struct {
	core *transport.Transport
}

// NewTransport builds a transport over driver with the default grant
// scheduler and configuration.
func NewTransport(driver api.Driver, transportID uint64) *Transport {
	return NewTransportConfig(driver, transportID, control.DefaultConfig(), logrus.StandardLogger())
}

// NewTransportConfig builds a transport with explicit configuration.
func NewTransportConfig(driver api.Driver, transportID uint64, cfg *control.Config, log *logrus.Logger) *Transport {
	cfg.ApplyLogLevel(log)
	sched := scheduler.New(driver, cfg.RTT(), log)
	core := transport.New(driver, transportID,
		transport.WithScheduler(sched),
		transport.WithConfig(cfg),
		transport.WithLogger(log),
	)
	return &Transport{core: core}
}

// Core exposes the underlying transport for advanced callers.
func (t *Transport) Core() *transport.Transport { return t.core }

// Poll makes incremental progress; call it from one driving loop.
func (t *Transport) Poll() { t.core.Poll() }

// Alloc creates a new remote op.
func (t *Transport) Alloc() *RemoteOp {
	return &RemoteOp{t: t, op: t.core.AllocOp()}
}

// Receive returns the next ready server op, nil when none are pending.
func (t *Transport) Receive() *ServerOp {
	op := t.core.ReceiveOp()
	if op == nil {
		return nil
	}
	return &ServerOp{t: t, op: op}
}

// GetAddress resolves a destination through the driver.
func (t *Transport) GetAddress(addr string) (api.Address, error) {
	return t.core.Driver().GetAddress(addr)
}

// RemoteOp is a client-role op: one request out, one response back.
type RemoteOp struct {
	t  *Transport
	op *transport.Op
}

// Append adds request payload bytes.
func (r *RemoteOp) Append(data []byte) error {
	return r.op.OutPayloadAppend(data)
}

// Send issues the request to destination. Call at most once.
func (r *RemoteOp) Send(destination api.Address) error {
	return r.t.core.SendRequest(r.op, destination)
}

// State returns the op's lifecycle state.
func (r *RemoteOp) State() transport.OpState { return r.op.State() }

// IsReady reports whether the op has finished, successfully or not.
func (r *RemoteOp) IsReady() bool {
	s := r.op.State()
	return s == transport.Completed || s == transport.Failed
}

// Response copies out the response payload; nil until Completed.
func (r *RemoteOp) Response() []byte {
	if r.op.State() != transport.Completed {
		return nil
	}
	in := r.op.InMessage()
	if in == nil {
		return nil
	}
	return in.Payload()
}

// Release returns the op to the transport. The handle is dead after.
func (r *RemoteOp) Release() { r.t.core.ReleaseOp(r.op) }

// ServerOp is a server-role op: a received request plus the reply (or
// delegation) it owes.
type ServerOp struct {
	t  *Transport
	op *transport.Op
}

// Request copies out the request payload.
func (s *ServerOp) Request() []byte {
	in := s.op.InMessage()
	if in == nil {
		return nil
	}
	return in.Payload()
}

// Append adds reply (or delegated request) payload bytes.
func (s *ServerOp) Append(data []byte) error {
	return s.op.OutPayloadAppend(data)
}

// Reply sends the ultimate response back to the originator.
func (s *ServerOp) Reply() error {
	return s.t.core.SendReply(s.op)
}

// Delegate forwards the op to the next hop in a server chain. One-shot
// per op.
func (s *ServerOp) Delegate(destination api.Address) error {
	return s.t.core.SendRequest(s.op, destination)
}

// State returns the op's lifecycle state.
func (s *ServerOp) State() transport.OpState { return s.op.State() }

// Release returns the op to the transport. The handle is dead after.
func (s *ServerOp) Release() { s.t.core.ReleaseOp(s.op) }
