// File: api/driver.go
// Author: momentics <momentics@gmail.com>
//
// Packet-oriented driver contract: raw packet allocation, batched wire
// I/O, and interned address resolution for the op transport core.

package api

// RawAddressSize is the fixed size of the serialized address form
// carried inside message headers.
const RawAddressSize = 20

// RawAddress is the driver-independent serialized form of an address.
// Small enough to travel inside message headers on the wire.
type RawAddress [RawAddressSize]byte

// Address is a driver-owned handle for a network endpoint. Handles are
// interned: a handle outlives the transport's use of it, and the same
// endpoint always resolves to a stable String().
type Address interface {
	String() string

	// Raw returns the wire form used inside message headers.
	Raw() RawAddress
}

// Packet is a raw driver buffer. Payload has MaxPayloadSize capacity;
// Length is the number of valid bytes. Address is the packet source on
// receive and the destination on send. A received packet's Address may
// be transient: it is only valid until the packet is released, so
// anything longer-lived must be re-resolved through GetAddress.
type Packet struct {
	Payload []byte
	Length  int
	Address Address
}

// Driver sends and receives raw packets on behalf of a transport.
// Implementations must be safe for concurrent use.
type Driver interface {
	// AllocPacket returns an unused packet with full payload capacity.
	AllocPacket() *Packet

	// SendPackets hands packets to the wire. Ownership of the packets
	// returns to the driver regardless of delivery outcome.
	SendPackets(packets []*Packet) error

	// ReceivePackets polls for incoming packets without blocking,
	// filling batch up to its length; returns the number received.
	ReceivePackets(batch []*Packet) int

	// ReleasePackets returns packets the transport no longer wants.
	ReleasePackets(packets []*Packet)

	// Bandwidth returns the link speed in bits per second.
	Bandwidth() uint64

	// MaxPayloadSize returns the usable bytes per packet.
	MaxPayloadSize() int

	// LocalAddress returns the interned handle for this driver's own
	// endpoint, suitable for reply-address fields.
	LocalAddress() Address

	// GetAddress resolves a string form to an interned handle.
	GetAddress(addr string) (Address, error)

	// GetAddressRaw resolves the wire form to an interned handle.
	GetAddressRaw(raw RawAddress) (Address, error)
}
