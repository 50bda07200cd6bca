//go:build linux

// File: drivers/udp/driver_linux_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-homa/api"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestDriver_Loopback(t *testing.T) {
	a, err := New("127.0.0.1:0", 1031, testLogger())
	require.NoError(t, err)
	defer a.Close()
	b, err := New("127.0.0.1:0", 1031, testLogger())
	require.NoError(t, err)
	defer b.Close()

	dest, err := a.GetAddress(b.LocalAddress().String())
	require.NoError(t, err)

	pkt := a.AllocPacket()
	n := copy(pkt.Payload, []byte("datagram"))
	pkt.Length = n
	pkt.Address = dest
	require.NoError(t, a.SendPackets([]*api.Packet{pkt}))

	// The socket is non-blocking; give the kernel a moment.
	batch := make([]*api.Packet, 4)
	var got int
	for i := 0; i < 100 && got == 0; i++ {
		got = b.ReceivePackets(batch)
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, got)
	assert.Equal(t, []byte("datagram"), batch[0].Payload[:batch[0].Length])
	assert.Equal(t, a.LocalAddress().String(), batch[0].Address.String())
	b.ReleasePackets(batch[:1])
}

func TestDriver_AddressRawRoundTrip(t *testing.T) {
	d, err := New("127.0.0.1:0", 1031, testLogger())
	require.NoError(t, err)
	defer d.Close()

	addr, err := d.GetAddress("192.0.2.7:10400")
	require.NoError(t, err)
	again, err := d.GetAddressRaw(addr.Raw())
	require.NoError(t, err)
	assert.Same(t, addr, again)
	assert.Equal(t, "192.0.2.7:10400", again.String())
}
