// File: transport/doc.go
// Author: momentics <momentics@gmail.com>
//
// Package transport implements the op transport core: the Receiver
// reassembles messages from out-of-order packets and drives the grant
// scheduler, the Sender emits paced outbound messages, and the
// Transport runs the op lifecycle under a single-threaded poll loop
// while application goroutines retain and release ops concurrently.
//
// Lock order: the Receiver mutex is acquired before any per-message
// mutex, never the reverse. The per-op mutex is independent of both;
// no code holds an op mutex while acquiring a Receiver or message
// mutex.
package transport
