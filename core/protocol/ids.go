// File: core/protocol/ids.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Message and op identifiers. A MessageId names one message within an
// op; the tag distinguishes hops of a chained op.

package protocol

import "fmt"

// Reserved tag values.
const (
	// UltimateResponseTag marks the final response delivered back to
	// the originating transport.
	UltimateResponseTag uint64 = 0

	// InitialRequestTag marks the first hop of a remote op.
	// Intermediate tags (InitialRequestTag+1, ...) mark chained
	// server-to-server sends.
	InitialRequestTag uint64 = 1
)

// OpId identifies one op: the (transport, sequence) prefix shared by
// every message the op exchanges.
type OpId struct {
	TransportID uint64
	Sequence    uint64
}

// MessageId identifies a single message. Equality and hashing cover the
// full triple; the type is comparable and usable as a map key.
type MessageId struct {
	OpId
	Tag uint64
}

// NewMessageId builds a MessageId from an op id and a tag.
func NewMessageId(opID OpId, tag uint64) MessageId {
	return MessageId{OpId: opID, Tag: tag}
}

func (id OpId) String() string {
	return fmt.Sprintf("(%d:%d)", id.TransportID, id.Sequence)
}

func (id MessageId) String() string {
	return fmt.Sprintf("(%d:%d:%d)", id.TransportID, id.Sequence, id.Tag)
}
