// File: drivers/fake/driver.go
// Package fake provides an in-memory loopback driver for tests and
// examples.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Several drivers attached to one Network deliver packets to each other
// without touching a real NIC. Delivery is deterministic and in order;
// the DropNext knob injects loss for protocol tests.

package fake

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-homa/api"
)

// DefaultMaxPayloadSize is chosen so a DATA packet carries a round
// 1000 message bytes after its 31-byte wire header.
const DefaultMaxPayloadSize = 1031

// DefaultBandwidth models a 10 Gb/s link.
const DefaultBandwidth uint64 = 10_000_000_000

const rawAddressTag = 0xfa

// Address is an interned fake network endpoint.
type Address struct {
	id  uint64
	str string
}

func (a *Address) String() string { return a.str }

// Raw encodes the endpoint id behind a format tag byte.
func (a *Address) Raw() api.RawAddress {
	var raw api.RawAddress
	raw[0] = rawAddressTag
	binary.BigEndian.PutUint64(raw[1:], a.id)
	return raw
}

var _ api.Address = (*Address)(nil)

// Network connects fake drivers within one process.
type Network struct {
	mu      sync.Mutex
	nextID  uint64
	drivers map[uint64]*Driver
}

// NewNetwork creates an empty fake network.
func NewNetwork() *Network {
	return &Network{drivers: make(map[uint64]*Driver)}
}

// NewDriver attaches a new driver with the default payload size.
func (n *Network) NewDriver() *Driver {
	return n.NewDriverMTU(DefaultMaxPayloadSize)
}

// NewDriverMTU attaches a new driver with an explicit payload size.
func (n *Network) NewDriverMTU(maxPayloadSize int) *Driver {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	d := &Driver{
		network:        n,
		maxPayloadSize: maxPayloadSize,
		inbound:        queue.New(),
		addresses:      make(map[uint64]*Address),
	}
	d.local = d.internLocked(n.nextID)
	n.drivers[n.nextID] = d
	return d
}

func (n *Network) lookup(id uint64) *Driver {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.drivers[id]
}

// Driver is a fake packet driver. Safe for concurrent use.
type Driver struct {
	network        *Network
	local          *Address
	maxPayloadSize int

	mu        sync.Mutex
	inbound   *queue.Queue
	free      []*api.Packet
	addresses map[uint64]*Address
	dropNext  int
}

var _ api.Driver = (*Driver)(nil)

// internLocked returns the stable handle for id; caller holds d.mu or
// is the constructor.
func (d *Driver) internLocked(id uint64) *Address {
	if a, ok := d.addresses[id]; ok {
		return a
	}
	a := &Address{id: id, str: fmt.Sprintf("fake:%d", id)}
	d.addresses[id] = a
	return a
}

// AllocPacket returns a packet from the freelist or a fresh one.
func (d *Driver) AllocPacket() *api.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.free); n > 0 {
		p := d.free[n-1]
		d.free = d.free[:n-1]
		p.Length = 0
		p.Address = nil
		return p
	}
	return &api.Packet{Payload: make([]byte, d.maxPayloadSize)}
}

// SendPackets delivers each packet to the driver named by its Address
// and reclaims the packet buffers.
func (d *Driver) SendPackets(packets []*api.Packet) error {
	for _, p := range packets {
		dst, ok := p.Address.(*Address)
		if !ok {
			d.reclaim(p)
			return api.ErrAddressUnknown
		}
		d.mu.Lock()
		dropped := d.dropNext > 0
		if dropped {
			d.dropNext--
		}
		d.mu.Unlock()
		if !dropped {
			if peer := d.network.lookup(dst.id); peer != nil {
				peer.deliver(p.Payload[:p.Length], d.local.id)
			}
		}
		d.reclaim(p)
	}
	return nil
}

// deliver queues a copy of the payload as an inbound packet.
func (d *Driver) deliver(payload []byte, from uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var p *api.Packet
	if n := len(d.free); n > 0 {
		p = d.free[n-1]
		d.free = d.free[:n-1]
	} else {
		p = &api.Packet{Payload: make([]byte, d.maxPayloadSize)}
	}
	p.Length = copy(p.Payload, payload)
	p.Address = d.internLocked(from)
	d.inbound.Add(p)
}

// ReceivePackets pops queued inbound packets into batch.
func (d *Driver) ReceivePackets(batch []*api.Packet) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for n < len(batch) && d.inbound.Length() > 0 {
		batch[n] = d.inbound.Remove().(*api.Packet)
		n++
	}
	return n
}

// ReleasePackets returns packets to the freelist.
func (d *Driver) ReleasePackets(packets []*api.Packet) {
	for _, p := range packets {
		d.reclaim(p)
	}
}

func (d *Driver) reclaim(p *api.Packet) {
	d.mu.Lock()
	p.Length = 0
	p.Address = nil
	d.free = append(d.free, p)
	d.mu.Unlock()
}

func (d *Driver) Bandwidth() uint64 { return DefaultBandwidth }

func (d *Driver) MaxPayloadSize() int { return d.maxPayloadSize }

// LocalAddress returns this driver's own endpoint handle.
func (d *Driver) LocalAddress() api.Address { return d.local }

// GetAddress resolves "fake:<id>" to an interned handle.
func (d *Driver) GetAddress(addr string) (api.Address, error) {
	var id uint64
	if _, err := fmt.Sscanf(addr, "fake:%d", &id); err != nil {
		return nil, fmt.Errorf("%w: %q", api.ErrAddressUnknown, addr)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.internLocked(id), nil
}

// GetAddressRaw resolves the wire form to an interned handle.
func (d *Driver) GetAddressRaw(raw api.RawAddress) (api.Address, error) {
	if raw[0] != rawAddressTag {
		return nil, fmt.Errorf("%w: bad raw tag %#x", api.ErrAddressUnknown, raw[0])
	}
	id := binary.BigEndian.Uint64(raw[1:])
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.internLocked(id), nil
}

// DropNext makes the driver silently drop the next n sent packets.
func (d *Driver) DropNext(n int) {
	d.mu.Lock()
	d.dropNext = n
	d.mu.Unlock()
}

// FreeCount reports the freelist size; used by leak checks in tests.
func (d *Driver) FreeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.free)
}
