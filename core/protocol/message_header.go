// File: core/protocol/message_header.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Typed prefix of every application message. The reply address is the
// raw form resolvable through Driver.GetAddressRaw; chained sends carry
// the originator's address forward so the ultimate response can skip
// the intermediate hops.

package protocol

import "github.com/momentics/hioload-homa/api"

// MessageHeaderLength is the number of message bytes reserved for the
// typed header at offset 0.
const MessageHeaderLength = api.RawAddressSize

// MessageHeader is the typed view over the reserved message prefix.
type MessageHeader struct {
	ReplyAddress api.RawAddress
}

// MarshalMessageHeader writes h into the reserved prefix region.
func MarshalMessageHeader(h *MessageHeader, raw []byte) error {
	if len(raw) < MessageHeaderLength {
		return errShortPacket
	}
	copy(raw[:api.RawAddressSize], h.ReplyAddress[:])
	return nil
}

// UnmarshalMessageHeader decodes the typed prefix region.
func UnmarshalMessageHeader(raw []byte) (MessageHeader, error) {
	var h MessageHeader
	if len(raw) < MessageHeaderLength {
		return h, errShortPacket
	}
	copy(h.ReplyAddress[:], raw[:api.RawAddressSize])
	return h, nil
}
