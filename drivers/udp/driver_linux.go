//go:build linux

// File: drivers/udp/driver_linux.go
// Package udp implements the packet driver over a non-blocking UDP
// socket.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One datagram carries one transport packet. The driver is a test and
// integration vehicle: it honors the driver contract exactly but makes
// no attempt at kernel-bypass performance.

package udp

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-homa/api"
)

// DefaultBandwidth models a 10 Gb/s link for grant sizing.
const DefaultBandwidth uint64 = 10_000_000_000

const rawAddressTag = 0x04

// Address is an interned UDP endpoint.
type Address struct {
	sa  unix.SockaddrInet4
	str string
}

func (a *Address) String() string { return a.str }

// Raw packs the IPv4 endpoint behind a format tag byte.
func (a *Address) Raw() api.RawAddress {
	var raw api.RawAddress
	raw[0] = rawAddressTag
	copy(raw[1:5], a.sa.Addr[:])
	binary.BigEndian.PutUint16(raw[5:7], uint16(a.sa.Port))
	return raw
}

var _ api.Address = (*Address)(nil)

// Driver is a UDP packet driver. Safe for concurrent use.
type Driver struct {
	fd             int
	local          *Address
	maxPayloadSize int

	mu        sync.Mutex
	free      []*api.Packet
	addresses map[string]*Address

	log *logrus.Entry
}

var _ api.Driver = (*Driver)(nil)

// New opens a non-blocking UDP socket bound to bind ("ip:port").
// maxPayloadSize bounds one datagram; keep it under the path MTU.
func New(bind string, maxPayloadSize int, log *logrus.Logger) (*Driver, error) {
	sa, _, err := resolve(bind)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("udp socket: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("udp bind %s: %w", bind, err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("udp getsockname: %w", err)
	}
	localSA, ok := bound.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return nil, api.ErrAddressUnknown
	}
	d := &Driver{
		fd:             fd,
		maxPayloadSize: maxPayloadSize,
		addresses:      make(map[string]*Address),
		log:            log.WithField("module", "udp-driver"),
	}
	d.local = d.intern(localSA)
	return d, nil
}

// Close releases the socket.
func (d *Driver) Close() error {
	return unix.Close(d.fd)
}

func resolve(addr string) (*unix.SockaddrInet4, string, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %q", api.ErrAddressUnknown, addr)
	}
	sa := &unix.SockaddrInet4{Port: udpAddr.Port}
	ip := udpAddr.IP.To4()
	if ip == nil {
		return nil, "", fmt.Errorf("%w: %q is not IPv4", api.ErrAddressUnknown, addr)
	}
	copy(sa.Addr[:], ip)
	return sa, saString(sa), nil
}

func saString(sa *unix.SockaddrInet4) string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3], sa.Port)
}

// intern returns the stable handle for an endpoint.
func (d *Driver) intern(sa *unix.SockaddrInet4) *Address {
	str := saString(sa)
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.addresses[str]; ok {
		return a
	}
	a := &Address{sa: *sa, str: str}
	d.addresses[str] = a
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

// SendPackets writes each packet as one datagram and reclaims the
// buffers.
func (d *Driver) SendPackets(packets []*api.Packet) error {
	var firstErr error
	for _, p := range packets {
		dst, ok := p.Address.(*Address)
		if !ok {
			d.reclaim(p)
			if firstErr == nil {
				firstErr = api.ErrAddressUnknown
			}
			continue
		}
		sa := dst.sa
		err := unix.Sendto(d.fd, p.Payload[:p.Length], 0, &sa)
		if err != nil && err != unix.EAGAIN {
			d.log.WithError(err).WithField("dest", dst.str).Debug("sendto failed")
			if firstErr == nil {
				firstErr = err
			}
		}
		d.reclaim(p)
	}
	return firstErr
}

// ReceivePackets drains ready datagrams into batch without blocking.
func (d *Driver) ReceivePackets(batch []*api.Packet) int {
	n := 0
	for n < len(batch) {
		p := d.AllocPacket()
		size, from, err := unix.Recvfrom(d.fd, p.Payload, 0)
		if err != nil {
			d.reclaim(p)
			if err != unix.EAGAIN && err != unix.EINTR {
				d.log.WithError(err).Debug("recvfrom failed")
			}
			break
		}
		sa, ok := from.(*unix.SockaddrInet4)
		if !ok {
			d.reclaim(p)
			continue
		}
		p.Length = size
		p.Address = d.intern(sa)
		batch[n] = p
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

// LocalAddress returns the bound endpoint handle.
func (d *Driver) LocalAddress() api.Address { return d.local }

// GetAddress resolves "ip:port" to an interned handle.
func (d *Driver) GetAddress(addr string) (api.Address, error) {
	sa, _, err := resolve(addr)
	if err != nil {
		return nil, err
	}
	return d.intern(sa), nil
}

// GetAddressRaw resolves the wire form to an interned handle.
func (d *Driver) GetAddressRaw(raw api.RawAddress) (api.Address, error) {
	if raw[0] != rawAddressTag {
		return nil, fmt.Errorf("%w: bad raw tag %#x", api.ErrAddressUnknown, raw[0])
	}
	sa := &unix.SockaddrInet4{Port: int(binary.BigEndian.Uint16(raw[5:7]))}
	copy(sa.Addr[:], raw[1:5])
	return d.intern(sa), nil
}
