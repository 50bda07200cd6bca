// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types shared across the transport library.

package api

import "fmt"

// Common errors used across the library.
var (
	ErrDriverClosed      = fmt.Errorf("driver is closed")
	ErrInvalidArgument   = fmt.Errorf("invalid argument")
	ErrResourceExhausted = fmt.Errorf("resource exhausted")
	ErrAddressUnknown    = fmt.Errorf("address cannot be resolved")
	ErrMessageTooLong    = fmt.Errorf("message exceeds packet slot capacity")
	ErrNotServerOp       = fmt.Errorf("operation only valid on server ops")
	ErrNoInboundMessage  = fmt.Errorf("op has no inbound message")
)
