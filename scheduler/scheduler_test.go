// File: scheduler/scheduler_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package scheduler

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-homa/api"
	"github.com/momentics/hioload-homa/core/protocol"
	"github.com/momentics/hioload-homa/drivers/fake"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func testId() protocol.MessageId {
	return protocol.NewMessageId(protocol.OpId{TransportID: 42, Sequence: 32}, 22)
}

func drainGrants(t *testing.T, d *fake.Driver) []protocol.GrantHeader {
	t.Helper()
	batch := make([]*api.Packet, 16)
	n := d.ReceivePackets(batch)
	grants := make([]protocol.GrantHeader, 0, n)
	for _, pkt := range batch[:n] {
		header, err := protocol.UnmarshalGrantHeader(pkt.Payload[:pkt.Length])
		require.NoError(t, err)
		grants = append(grants, header)
	}
	return grants
}

func TestGrantScheduler_WindowFromBandwidth(t *testing.T) {
	driver := fake.NewNetwork().NewDriver()
	// 10 Gb/s over an 8 us RTT is 10000 bytes in flight.
	s := New(driver, 8*time.Microsecond, testLogger())
	assert.EqualValues(t, 10000, s.RTTBytes())
}

func TestGrantScheduler_ExtendsCredit(t *testing.T) {
	network := fake.NewNetwork()
	local := network.NewDriver()
	sender := network.NewDriver()
	s := New(local, 8*time.Microsecond, testLogger())
	id := testId()

	// 1000 of 50000 bytes in: credit should move to 11000.
	s.PacketReceived(id, sender.LocalAddress(), 50000, 1000)
	grants := drainGrants(t, sender)
	require.Len(t, grants, 1)
	assert.Equal(t, id, grants[0].ID)
	assert.EqualValues(t, 11000, grants[0].Offset)

	// More data advances the window again.
	s.PacketReceived(id, sender.LocalAddress(), 50000, 2000)
	grants = drainGrants(t, sender)
	require.Len(t, grants, 1)
	assert.EqualValues(t, 12000, grants[0].Offset)
}

func TestGrantScheduler_CreditCappedAtMessageLength(t *testing.T) {
	network := fake.NewNetwork()
	local := network.NewDriver()
	sender := network.NewDriver()
	s := New(local, 8*time.Microsecond, testLogger())

	s.PacketReceived(testId(), sender.LocalAddress(), 10500, 1000)
	grants := drainGrants(t, sender)
	require.Len(t, grants, 1)
	assert.EqualValues(t, 10500, grants[0].Offset)
}

func TestGrantScheduler_NoGrantWithinUnscheduledWindow(t *testing.T) {
	network := fake.NewNetwork()
	local := network.NewDriver()
	sender := network.NewDriver()
	s := New(local, 8*time.Microsecond, testLogger())

	// 9000 of 9500 received; desired 9500 never exceeds the implicit
	// 10000-byte unscheduled credit.
	s.PacketReceived(testId(), sender.LocalAddress(), 9500, 9000)
	assert.Empty(t, drainGrants(t, sender))
}

func TestGrantScheduler_NoGrantAfterCompletion(t *testing.T) {
	network := fake.NewNetwork()
	local := network.NewDriver()
	sender := network.NewDriver()
	s := New(local, 8*time.Microsecond, testLogger())
	id := testId()

	s.PacketReceived(id, sender.LocalAddress(), 50000, 1000)
	drainGrants(t, sender)

	s.PacketReceived(id, sender.LocalAddress(), 50000, 50000)
	assert.Empty(t, drainGrants(t, sender))

	s.mu.Lock()
	_, tracked := s.granted[id]
	s.mu.Unlock()
	assert.False(t, tracked)
}
