//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/flightbus/internal/domain/bus"
	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/GriffinCanCode/flightbus/internal/osal"
	"github.com/GriffinCanCode/flightbus/tests/helpers/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	cmdMID msg.ID = 0x1880
	tlmMID msg.ID = 0x0880
	hkMID  msg.ID = 0x0881
)

// TestCommandTelemetryFlow models a ground station commanding an app that
// answers with telemetry consumed by two recorders.
func TestCommandTelemetryFlow(t *testing.T) {
	h := testutil.NewHarness(t, testutil.SmallConfig())

	ground := h.Client(t, "GROUND")
	sample := h.Client(t, "SAMPLE")
	rec1 := h.Client(t, "REC1")
	rec2 := h.Client(t, "REC2")

	cmdPipe := h.Pipe(t, sample, "SAMPLE_CMD", 4, cmdMID)
	tlm1 := h.Pipe(t, rec1, "REC1_TLM", 8, tlmMID, hkMID)
	tlm2 := h.Pipe(t, rec2, "REC2_TLM", 8, tlmMID)

	r := testutil.Send(t, ground, cmdMID, "NOOP")
	assert.Equal(t, bus.StatusDelivered, r.Status)
	assert.Equal(t, 1, r.Delivered)

	assert.Equal(t, "NOOP", testutil.Recv(t, sample, cmdPipe))
	r = testutil.Send(t, sample, tlmMID, "ack NOOP")
	assert.Equal(t, 2, r.Delivered)
	testutil.Send(t, sample, hkMID, "hk")

	assert.Equal(t, "ack NOOP", testutil.Recv(t, rec1, tlm1))
	assert.Equal(t, "hk", testutil.Recv(t, rec1, tlm1))
	assert.Equal(t, "ack NOOP", testutil.Recv(t, rec2, tlm2))

	s := h.Bus.Stats()
	assert.Zero(t, s.BuffersInUse)
	assert.Zero(t, s.MsgSendErrors)
	assert.Equal(t, 3, s.PipesInUse)
	assert.Equal(t, 3, s.MsgIDsInUse)
}

func TestPartialDeliveryReported(t *testing.T) {
	h := testutil.NewHarness(t, testutil.SmallConfig())
	src := h.Client(t, "SRC")
	fast := h.Client(t, "FAST")
	slow := h.Client(t, "SLOW")

	h.Pipe(t, fast, "FAST_PIPE", 4, tlmMID)
	h.Pipe(t, slow, "SLOW_PIPE", 1, tlmMID)

	testutil.Send(t, src, tlmMID, "one")
	r := testutil.Send(t, src, tlmMID, "two")
	assert.Equal(t, bus.StatusPartialFailure, r.Status)
	assert.Equal(t, 2, r.Attempted)
	assert.Equal(t, 1, r.Delivered)
	assert.ErrorIs(t, r.Err(), bus.ErrDeliveryFailed)

	s := h.Bus.Stats()
	assert.EqualValues(t, 1, s.PipeOverflowErrors)
	assert.Equal(t, 1, h.EventCount(bus.EventQueueFull))
}

func TestZeroCopyPipeline(t *testing.T) {
	h := testutil.NewHarness(t, testutil.SmallConfig())
	producer := h.Client(t, "CAM")
	consumer := h.Client(t, "STORE")
	pid := h.Pipe(t, consumer, "STORE_IN", 4, tlmMID)

	frame := msg.NewMessage(tlmMID, []byte("image-bytes"))
	buf, err := producer.AllocateMessageBuffer(len(frame))
	require.NoError(t, err)
	copy(buf.Bytes(), frame)

	r, err := producer.TransmitBuffer(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Delivered)
	assert.True(t, buf.Released(), "ownership passes to the bus")

	assert.Equal(t, "image-bytes", testutil.Recv(t, consumer, pid))
	assert.Zero(t, h.Bus.Stats().BuffersInUse)
}

func TestConcurrentProducersAndConsumer(t *testing.T) {
	h := testutil.NewHarness(t, testutil.SmallConfig())

	// a shallow pipe forces pending sends to wait for the consumer
	consumer := h.Client(t, "SINK")
	pid, err := consumer.CreatePipe(8, "SINK_IN")
	require.NoError(t, err)
	require.NoError(t, consumer.Subscribe(tlmMID, pid, bus.WithMsgLimit(32)))

	const producers, perProducer = 4, 12
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		c := h.Client(t, fmt.Sprintf("SRC%d", p))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_, err := c.TransmitMsg(context.Background(), msg.NewMessage(tlmMID, []byte("x")),
					bus.WithTimeout(osal.Pend))
				assert.NoError(t, err)
			}
		}()
	}

	received := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for received < producers*perProducer {
		buf, err := consumer.Receive(context.Background(), pid, bus.WithTimeout(osal.Millis(2000)))
		require.NoError(t, err)
		require.NoError(t, buf.Release())
		received++
	}
	<-done

	s := h.Bus.Stats()
	assert.Zero(t, s.BuffersInUse)
	assert.Zero(t, s.PipeOverflowErrors)
}

func TestAppExitCleansUp(t *testing.T) {
	h := testutil.NewHarness(t, testutil.SmallConfig())
	src := h.Client(t, "SRC")
	dying := h.Client(t, "DYING")
	pid := h.Pipe(t, dying, "DYING_IN", 4, tlmMID, hkMID)

	testutil.Send(t, src, tlmMID, "queued")
	held, err := dying.AllocateMessageBuffer(32)
	require.NoError(t, err)
	require.Equal(t, 2, h.Bus.Stats().BuffersInUse)

	require.NoError(t, h.Apps.Close(dying.App()))

	s := h.Bus.Stats()
	assert.Zero(t, s.PipesInUse)
	assert.Zero(t, s.SubscriptionsInUse)
	assert.Zero(t, s.BuffersInUse, "queued and zero-copy buffers are reclaimed")
	assert.Zero(t, held.UseCount())
	assert.ErrorIs(t, held.Release(), bus.ErrBufferInvalid, "handle went stale with its app")

	_, err = h.Bus.PipeInfo(pid)
	assert.ErrorIs(t, err, bus.ErrPipeNotFound)
	r := testutil.Send(t, src, tlmMID, "after")
	assert.Equal(t, bus.StatusNoSubscribers, r.Status)
}

func TestEventsRepublishedWithoutLoop(t *testing.T) {
	h := testutil.NewHarness(t, testutil.SmallConfig())
	const evsMID msg.ID = 0x0808

	mon := h.Client(t, "MON")
	pid := h.Pipe(t, mon, "MON_EVS", 8, evsMID)
	h.Events.SetPublisher(h.Bus.EventPublisher(evsMID))

	before := h.Events.Stats().Sent
	r := testutil.Send(t, mon, 0x0999, "nobody listens")
	assert.Equal(t, bus.StatusNoSubscribers, r.Status)
	assert.Equal(t, before+1, h.Events.Stats().Sent, "exactly one event, no recursion")

	assert.Contains(t, testutil.Recv(t, mon, pid), "No subscribers for MsgId 0x999")
}

func TestObserverSeesEveryTransaction(t *testing.T) {
	obs := new(testutil.MockObserver)
	obs.On("ObserveTransmit", "delivered", 1, mock.AnythingOfType("time.Duration")).Once()
	obs.On("ObserveTransmit", "no_subscribers", 0, mock.AnythingOfType("time.Duration")).Once()
	obs.On("ObserveReceive", "received", mock.AnythingOfType("time.Duration")).Once()
	obs.On("ObserveReceive", "timeout", mock.AnythingOfType("time.Duration")).Once()

	h := testutil.NewHarness(t, testutil.SmallConfig(), bus.WithObserver(obs))
	c := h.Client(t, "A")
	pid := h.Pipe(t, c, "A_IN", 4, tlmMID)

	testutil.Send(t, c, tlmMID, "x")
	testutil.Send(t, c, hkMID, "y")
	testutil.Recv(t, c, pid)
	_, err := c.Receive(context.Background(), pid, bus.WithTimeout(osal.Millis(5)))
	assert.ErrorIs(t, err, bus.ErrTimeout)

	obs.AssertExpectations(t)
}

func TestCodecRejectionRollsBack(t *testing.T) {
	codec := new(testutil.MockCodec)
	codec.On("Originate", mock.Anything, mock.Anything).Return(msg.Rejected)
	codec.On("Verify", mock.Anything, mock.Anything).Return(msg.Accepted).Maybe()

	h := testutil.NewHarness(t, testutil.SmallConfig(), bus.WithCodec(codec))
	c := h.Client(t, "A")
	pid := h.Pipe(t, c, "A_IN", 4, tlmMID)

	_, err := c.TransmitMsg(context.Background(), msg.NewMessage(tlmMID, []byte("x")))
	assert.ErrorIs(t, err, bus.ErrIntegrity)
	codec.AssertCalled(t, "Originate", mock.Anything, mock.Anything)

	_, err = c.Receive(context.Background(), pid)
	assert.ErrorIs(t, err, bus.ErrNoMessage)
	assert.Zero(t, h.Bus.Stats().BuffersInUse)
}

func TestPendingReceiverWokenByDelete(t *testing.T) {
	h := testutil.NewHarness(t, testutil.SmallConfig())
	c := h.Client(t, "A")
	pid := h.Pipe(t, c, "A_IN", 4)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Receive(context.Background(), pid, bus.WithTimeout(osal.Pend))
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.DeletePipe(pid))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, bus.ErrBadArgument)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never woke")
	}
}
