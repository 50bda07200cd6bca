// File: transport/queues.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Internal op queues: a plain FIFO and the set-indexed hint FIFO that
// deduplicates "re-evaluate this op" signals.

package transport

import (
	"github.com/eapache/queue"

	"github.com/momentics/hioload-homa/core/concurrency"
)

// opQueue is a locked FIFO of ops.
type opQueue struct {
	mu concurrency.SpinLock
	q  *queue.Queue
}

func newOpQueue() *opQueue {
	return &opQueue{q: queue.New()}
}

func (o *opQueue) push(op *Op) {
	o.mu.Lock()
	o.q.Add(op)
	o.mu.Unlock()
}

func (o *opQueue) pop() *Op {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.q.Length() == 0 {
		return nil
	}
	return o.q.Remove().(*Op)
}

func (o *opQueue) length() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.q.Length()
}

// hintQueue is a set-indexed FIFO: the membership set makes repeated
// hints for the same op O(1) no-ops while it is still queued.
type hintQueue struct {
	mu    concurrency.SpinLock
	order *queue.Queue
	ops   map[*Op]struct{}
}

func newHintQueue() *hintQueue {
	return &hintQueue{
		order: queue.New(),
		ops:   make(map[*Op]struct{}),
	}
}

// push appends op unless it is already queued.
func (h *hintQueue) push(op *Op) {
	h.mu.Lock()
	if _, queued := h.ops[op]; !queued {
		h.ops[op] = struct{}{}
		h.order.Add(op)
	}
	h.mu.Unlock()
}

// pop removes the front op, or nil when the queue is empty.
func (h *hintQueue) pop() *Op {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.order.Length() == 0 {
		return nil
	}
	op := h.order.Remove().(*Op)
	delete(h.ops, op)
	return op
}

func (h *hintQueue) contains(op *Op) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, queued := h.ops[op]
	return queued
}

func (h *hintQueue) length() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.order.Length()
}
