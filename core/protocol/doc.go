// File: core/protocol/doc.go
// Author: momentics <momentics@gmail.com>
//
// Package protocol defines the wire model of the op transport: message
// identifiers, packet opcodes, fixed-layout packet headers, and the
// application message header. The byte layout is driver-agnostic but
// stable within a deployment.
package protocol
