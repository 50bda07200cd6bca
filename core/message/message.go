// File: core/message/message.go
// Package message implements the packetized byte buffer underlying
// every inbound and outbound transport message.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Message is an indexed collection of packet slots. Slot i holds
// message bytes [i*PacketDataLength, (i+1)*PacketDataLength) at a fixed
// offset inside the packet payload, after the per-packet wire header.
// The occupied bitset makes duplicate detection an O(1) bit test; a
// running packet count serves completion checks.

package message

import (
	"math/bits"

	"github.com/momentics/hioload-homa/api"
)

// MaxMessagePackets bounds the number of packet slots per message.
const MaxMessagePackets = 1024

const bitmapWords = MaxMessagePackets / 64

// Message is a packet-indexed byte buffer. It is not internally
// synchronized; the owning module guards it with its own lock.
type Message struct {
	driver api.Driver

	// packetHeaderLength is the byte count at the front of every packet
	// payload reserved for the wire header (stamped by the sender).
	packetHeaderLength int

	// packetDataLength is the message-byte capacity of one packet slot.
	packetDataLength int

	// rawLength is the total message length: typed header + payload.
	rawLength uint32

	packets    [MaxMessagePackets]*api.Packet
	occupied   [bitmapWords]uint64
	numPackets int
}

// New constructs a message over driver packets. packetHeaderLength is
// the per-packet wire header size; messageLength is the total message
// size, zero for an outbound message that grows by Append.
func New(driver api.Driver, packetHeaderLength int, messageLength uint32) *Message {
	return &Message{
		driver:             driver,
		packetHeaderLength: packetHeaderLength,
		packetDataLength:   driver.MaxPayloadSize() - packetHeaderLength,
		rawLength:          messageLength,
	}
}

// RawLength returns the total message bytes (header + payload).
func (m *Message) RawLength() uint32 { return m.rawLength }

// PacketDataLength returns the message-byte capacity of one slot.
func (m *Message) PacketDataLength() int { return m.packetDataLength }

// PacketHeaderLength returns the per-packet wire header reservation.
func (m *Message) PacketHeaderLength() int { return m.packetHeaderLength }

// GetNumPackets returns the number of occupied slots.
func (m *Message) GetNumPackets() int { return m.numPackets }

// Occupied reports whether slot index holds a packet.
func (m *Message) Occupied(index int) bool {
	if index < 0 || index >= MaxMessagePackets {
		return false
	}
	return m.occupied[index/64]&(1<<(uint(index)%64)) != 0
}

func (m *Message) setOccupied(index int) {
	m.occupied[index/64] |= 1 << (uint(index) % 64)
}

func (m *Message) clearOccupied(index int) {
	m.occupied[index/64] &^= 1 << (uint(index) % 64)
}

// popcount recounts occupied slots; numPackets is authoritative, this
// exists for invariant checks in tests.
func (m *Message) popcount() int {
	n := 0
	for _, w := range m.occupied {
		n += bits.OnesCount64(w)
	}
	return n
}

// SetPacket installs a packet at index. Returns true if the slot was
// previously empty, false if already occupied (a duplicate).
func (m *Message) SetPacket(index uint16, p *api.Packet) bool {
	i := int(index)
	if i >= MaxMessagePackets {
		return false
	}
	if m.Occupied(i) {
		return false
	}
	m.packets[i] = p
	m.setOccupied(i)
	m.numPackets++
	return true
}

// GetPacket returns the packet at index, or nil if the slot is empty.
func (m *Message) GetPacket(index uint16) *api.Packet {
	i := int(index)
	if i >= MaxMessagePackets || !m.Occupied(i) {
		return nil
	}
	return m.packets[i]
}

// ensurePacket allocates the slot from the driver if empty.
func (m *Message) ensurePacket(i int) (*api.Packet, error) {
	if i >= MaxMessagePackets {
		return nil, api.ErrMessageTooLong
	}
	if m.Occupied(i) {
		return m.packets[i], nil
	}
	p := m.driver.AllocPacket()
	p.Length = m.packetHeaderLength
	m.packets[i] = p
	m.setOccupied(i)
	m.numPackets++
	return p, nil
}

// syncPacketLength refreshes the valid-byte count of slot i from the
// current rawLength.
func (m *Message) syncPacketLength(i int) {
	span := int(m.rawLength) - i*m.packetDataLength
	if span > m.packetDataLength {
		span = m.packetDataLength
	}
	if span < 0 {
		span = 0
	}
	m.packets[i].Length = m.packetHeaderLength + span
}

// ReserveHeader reserves the first n message bytes for a typed header
// and returns the mutable region. The header must fit one packet slot.
func (m *Message) ReserveHeader(n int) ([]byte, error) {
	if n > m.packetDataLength {
		return nil, api.ErrInvalidArgument
	}
	p, err := m.ensurePacket(0)
	if err != nil {
		return nil, err
	}
	if m.rawLength < uint32(n) {
		m.rawLength = uint32(n)
	}
	m.syncPacketLength(0)
	return p.Payload[m.packetHeaderLength : m.packetHeaderLength+n], nil
}

// HeaderBytes returns the reserved prefix of a received message. The
// first packet must be present and the message at least n bytes long.
func (m *Message) HeaderBytes(n int) ([]byte, error) {
	if n > m.packetDataLength || m.rawLength < uint32(n) {
		return nil, api.ErrInvalidArgument
	}
	p := m.GetPacket(0)
	if p == nil {
		return nil, api.ErrInvalidArgument
	}
	return p.Payload[m.packetHeaderLength : m.packetHeaderLength+n], nil
}

// Append writes data at the current end of the message, allocating
// packet slots from the driver on demand.
func (m *Message) Append(data []byte) error {
	off := int(m.rawLength)
	for len(data) > 0 {
		i := off / m.packetDataLength
		within := off % m.packetDataLength
		p, err := m.ensurePacket(i)
		if err != nil {
			return err
		}
		n := copy(p.Payload[m.packetHeaderLength+within:m.packetHeaderLength+m.packetDataLength], data)
		data = data[n:]
		off += n
		m.rawLength = uint32(off)
		m.syncPacketLength(i)
	}
	return nil
}

// Read copies message bytes starting at offset into buf, stopping at
// the first missing slot or the end of the message; returns the count.
func (m *Message) Read(offset uint32, buf []byte) int {
	read := 0
	off := int(offset)
	for read < len(buf) && off < int(m.rawLength) {
		i := off / m.packetDataLength
		within := off % m.packetDataLength
		p := m.GetPacket(uint16(i))
		if p == nil {
			break
		}
		avail := p.Length - m.packetHeaderLength - within
		if rem := int(m.rawLength) - off; avail > rem {
			avail = rem
		}
		if avail <= 0 {
			break
		}
		n := copy(buf[read:], p.Payload[m.packetHeaderLength+within:m.packetHeaderLength+within+avail])
		read += n
		off += n
	}
	return read
}

// Bytes copies out the message from offset skip to the end.
func (m *Message) Bytes(skip uint32) []byte {
	if skip >= m.rawLength {
		return nil
	}
	buf := make([]byte, m.rawLength-skip)
	n := m.Read(skip, buf)
	return buf[:n]
}

// ReleasePackets returns every occupied slot with index >= from to the
// driver and clears the slots. Slots below from are forgotten without
// release; the wire already owns them.
func (m *Message) ReleasePackets(from int) {
	var batch []*api.Packet
	for i := 0; i < MaxMessagePackets; i++ {
		if !m.Occupied(i) {
			continue
		}
		if i >= from {
			batch = append(batch, m.packets[i])
		}
		m.packets[i] = nil
		m.clearOccupied(i)
		m.numPackets--
	}
	if len(batch) > 0 {
		m.driver.ReleasePackets(batch)
	}
}
