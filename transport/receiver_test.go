// File: transport/receiver_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-homa/api"
	"github.com/momentics/hioload-homa/core/protocol"
	"github.com/momentics/hioload-homa/drivers/fake"
)

// recordingScheduler captures PacketReceived calls in order.
type recordingScheduler struct {
	calls []schedulerCall
}

type schedulerCall struct {
	id            protocol.MessageId
	source        api.Address
	messageLength uint32
	bytesReceived uint32
}

func (r *recordingScheduler) PacketReceived(id protocol.MessageId, source api.Address, messageLength, bytesReceived uint32) {
	r.calls = append(r.calls, schedulerCall{id, source, messageLength, bytesReceived})
}

func (r *recordingScheduler) Poll() {}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// receiverFixture wires a receiver over one fake driver, with a second
// driver acting as the remote peer.
type receiverFixture struct {
	sched    *recordingScheduler
	receiver *Receiver
	driver   *fake.Driver
	peer     *fake.Driver
}

func newReceiverFixture(t *testing.T) *receiverFixture {
	t.Helper()
	network := fake.NewNetwork()
	driver := network.NewDriver()
	peer := network.NewDriver()
	sched := &recordingScheduler{}
	return &receiverFixture{
		sched:    sched,
		receiver: NewReceiver(sched, quietLogger()),
		driver:   driver,
		peer:     peer,
	}
}

// dataPacket builds a full-size DATA packet as if received from f.peer.
func (f *receiverFixture) dataPacket(t *testing.T, id protocol.MessageId, index uint16, totalLength uint32) *api.Packet {
	t.Helper()
	pkt := f.driver.AllocPacket()
	header := protocol.DataHeader{
		CommonHeader: protocol.CommonHeader{ID: id},
		Index:        index,
		TotalLength:  totalLength,
	}
	require.NoError(t, protocol.MarshalDataHeader(&header, pkt.Payload))
	pkt.Length = f.driver.MaxPayloadSize()
	pkt.Address = f.peer.LocalAddress()
	return pkt
}

func testId(tag uint64) protocol.MessageId {
	return protocol.NewMessageId(protocol.OpId{TransportID: 42, Sequence: 32}, tag)
}

func TestReceiver_HandleDataPacket_Basic(t *testing.T) {
	f := newReceiverFixture(t)
	id := testId(22)

	// Register an op expecting this message.
	op := &Op{}
	msg := f.receiver.messagePool.Get()
	msg.reset(id)
	op.inMessage.Store(msg)
	f.receiver.registeredOps[id] = op

	// Packet 1 of 2: accepted, message constructed, scheduler told.
	ret := f.receiver.HandleDataPacket(f.dataPacket(t, id, 1, 1420), f.driver)
	assert.Nil(t, ret)
	require.NotNil(t, msg.message)
	assert.EqualValues(t, 1420, msg.message.RawLength())
	assert.Equal(t, 1000, msg.message.PacketDataLength())
	assert.Equal(t, 1, msg.message.GetNumPackets())
	assert.True(t, msg.message.Occupied(1))
	assert.Equal(t, f.peer.LocalAddress().String(), msg.Source().String())
	assert.False(t, msg.IsReady())
	require.Len(t, f.sched.calls, 1)
	assert.Equal(t, schedulerCall{id, msg.Source(), 1420, 1000}, f.sched.calls[0])
	assert.Empty(t, f.receiver.unregisteredMessages)

	// Packet 1 again: duplicate slot, dropped, scheduler not told.
	ret = f.receiver.HandleDataPacket(f.dataPacket(t, id, 1, 1420), f.driver)
	assert.Nil(t, ret)
	assert.Equal(t, 1, msg.message.GetNumPackets())
	assert.Len(t, f.sched.calls, 1)
	assert.False(t, msg.IsReady())

	// Packet 0 completes the message; the registered op comes back.
	ret = f.receiver.HandleDataPacket(f.dataPacket(t, id, 0, 1420), f.driver)
	assert.Same(t, op, ret)
	assert.Equal(t, 2, msg.message.GetNumPackets())
	assert.True(t, msg.IsReady())
	require.Len(t, f.sched.calls, 2)
	assert.Equal(t, schedulerCall{id, msg.Source(), 1420, 2000}, f.sched.calls[1])

	// Packet 0 after completion: dropped without scheduler.
	ret = f.receiver.HandleDataPacket(f.dataPacket(t, id, 0, 1420), f.driver)
	assert.Nil(t, ret)
	assert.Len(t, f.sched.calls, 2)
}

func TestReceiver_HandleDataPacket_ExistingUnregistered(t *testing.T) {
	f := newReceiverFixture(t)
	id := testId(22)

	msg := f.receiver.messagePool.Get()
	msg.reset(id)
	f.receiver.unregisteredMessages[id] = msg
	require.EqualValues(t, 1, f.receiver.messagePool.Outstanding())

	ret := f.receiver.HandleDataPacket(f.dataPacket(t, id, 1, 1420), f.driver)
	assert.Nil(t, ret)

	// The existing record was reused; nothing new was published.
	assert.EqualValues(t, 1, f.receiver.messagePool.Outstanding())
	assert.Same(t, msg, f.receiver.unregisteredMessages[id])
	assert.Equal(t, 0, f.receiver.receivedMessages.Length())
	assert.Equal(t, 1, msg.message.GetNumPackets())
}

func TestReceiver_HandleDataPacket_NewUnregistered(t *testing.T) {
	f := newReceiverFixture(t)
	id := testId(22)

	ret := f.receiver.HandleDataPacket(f.dataPacket(t, id, 1, 1420), f.driver)
	assert.Nil(t, ret)

	assert.EqualValues(t, 1, f.receiver.messagePool.Outstanding())
	msg, ok := f.receiver.unregisteredMessages[id]
	require.True(t, ok)
	assert.Equal(t, id, msg.GetId())
	require.Equal(t, 1, f.receiver.receivedMessages.Length())
	assert.Same(t, msg, f.receiver.receivedMessages.Peek().(*InboundMessage))
}

func TestReceiver_HandleDataPacket_SinglePacketMessage(t *testing.T) {
	f := newReceiverFixture(t)
	id := testId(1)

	ret := f.receiver.HandleDataPacket(f.dataPacket(t, id, 0, 900), f.driver)
	// Unregistered, so no op comes back even though the message is done.
	assert.Nil(t, ret)
	msg := f.receiver.unregisteredMessages[id]
	require.NotNil(t, msg)
	assert.True(t, msg.IsReady())
	require.Len(t, f.sched.calls, 1)
	assert.EqualValues(t, 1000, f.sched.calls[0].bytesReceived)
}

func TestReceiver_ReceiveMessage_FIFO(t *testing.T) {
	f := newReceiverFixture(t)

	msg0 := f.receiver.messagePool.Get()
	msg0.reset(testId(10))
	msg1 := f.receiver.messagePool.Get()
	msg1.reset(testId(11))
	f.receiver.receivedMessages.Add(msg0)
	f.receiver.receivedMessages.Add(msg1)

	assert.Same(t, msg0, f.receiver.ReceiveMessage())
	assert.Same(t, msg1, f.receiver.ReceiveMessage())
	assert.Nil(t, f.receiver.ReceiveMessage())
}

func TestReceiver_DropMessage(t *testing.T) {
	f := newReceiverFixture(t)
	id := testId(0)

	msg := f.receiver.messagePool.Get()
	msg.reset(id)
	f.receiver.unregisteredMessages[id] = msg
	require.EqualValues(t, 1, f.receiver.messagePool.Outstanding())

	f.receiver.DropMessage(msg)

	assert.EqualValues(t, 0, f.receiver.messagePool.Outstanding())
	assert.Empty(t, f.receiver.unregisteredMessages)
}

func TestReceiver_RegisterOp_ExistingMessage(t *testing.T) {
	f := newReceiverFixture(t)
	id := testId(1)

	msg := f.receiver.messagePool.Get()
	msg.reset(id)
	f.receiver.unregisteredMessages[id] = msg

	op := &Op{}
	f.receiver.RegisterOp(id, op)

	// The accumulating message transferred into the op; an id lives in
	// at most one table.
	assert.EqualValues(t, 1, f.receiver.messagePool.Outstanding())
	assert.Same(t, op, f.receiver.registeredOps[id])
	assert.Same(t, msg, op.inMessage.Load())
	assert.Empty(t, f.receiver.unregisteredMessages)
}

func TestReceiver_RegisterOp_NewMessage(t *testing.T) {
	f := newReceiverFixture(t)
	id := testId(0)

	op := &Op{}
	f.receiver.RegisterOp(id, op)

	assert.EqualValues(t, 1, f.receiver.messagePool.Outstanding())
	assert.Same(t, op, f.receiver.registeredOps[id])
	require.NotNil(t, op.inMessage.Load())
	assert.Equal(t, id, op.inMessage.Load().GetId())
}

func TestReceiver_DropOp(t *testing.T) {
	f := newReceiverFixture(t)
	id := testId(1)

	op := &Op{}
	f.receiver.RegisterOp(id, op)
	require.EqualValues(t, 1, f.receiver.messagePool.Outstanding())

	f.receiver.DropOp(op)

	assert.EqualValues(t, 0, f.receiver.messagePool.Outstanding())
	assert.Nil(t, op.inMessage.Load())
	assert.Empty(t, f.receiver.registeredOps)

	// An op with no inbound message is a no-op.
	f.receiver.DropOp(op)
	assert.EqualValues(t, 0, f.receiver.messagePool.Outstanding())
}
