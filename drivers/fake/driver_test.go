// File: drivers/fake/driver_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-homa/api"
)

func TestDriver_Loopback(t *testing.T) {
	network := NewNetwork()
	a := network.NewDriver()
	b := network.NewDriver()

	pkt := a.AllocPacket()
	n := copy(pkt.Payload, []byte("payload"))
	pkt.Length = n
	pkt.Address = b.LocalAddress()
	require.NoError(t, a.SendPackets([]*api.Packet{pkt}))

	batch := make([]*api.Packet, 4)
	require.Equal(t, 1, b.ReceivePackets(batch))
	got := batch[0]
	assert.Equal(t, []byte("payload"), got.Payload[:got.Length])
	assert.Equal(t, a.LocalAddress().String(), got.Address.String())

	b.ReleasePackets(batch[:1])
	assert.Equal(t, 0, b.ReceivePackets(batch))
}

func TestDriver_AddressInterning(t *testing.T) {
	network := NewNetwork()
	a := network.NewDriver()
	b := network.NewDriver()

	byString, err := a.GetAddress(b.LocalAddress().String())
	require.NoError(t, err)
	again, err := a.GetAddress(b.LocalAddress().String())
	require.NoError(t, err)
	assert.Same(t, byString, again)

	byRaw, err := a.GetAddressRaw(b.LocalAddress().Raw())
	require.NoError(t, err)
	assert.Same(t, byString, byRaw)

	_, err = a.GetAddress("not-a-fake-address")
	assert.ErrorIs(t, err, api.ErrAddressUnknown)

	var badRaw api.RawAddress
	_, err = a.GetAddressRaw(badRaw)
	assert.ErrorIs(t, err, api.ErrAddressUnknown)
}

func TestDriver_PacketReuse(t *testing.T) {
	network := NewNetwork()
	d := network.NewDriver()

	p := d.AllocPacket()
	assert.Len(t, p.Payload, DefaultMaxPayloadSize)
	d.ReleasePackets([]*api.Packet{p})
	assert.Equal(t, 1, d.FreeCount())

	// The freelist hands the same buffer back.
	again := d.AllocPacket()
	assert.Same(t, p, again)
	assert.Equal(t, 0, d.FreeCount())
}

func TestDriver_DropNext(t *testing.T) {
	network := NewNetwork()
	a := network.NewDriver()
	b := network.NewDriver()
	a.DropNext(1)

	for i := 0; i < 2; i++ {
		pkt := a.AllocPacket()
		pkt.Payload[0] = byte(i)
		pkt.Length = 1
		pkt.Address = b.LocalAddress()
		require.NoError(t, a.SendPackets([]*api.Packet{pkt}))
	}

	batch := make([]*api.Packet, 4)
	require.Equal(t, 1, b.ReceivePackets(batch))
	assert.Equal(t, byte(1), batch[0].Payload[0])
}
