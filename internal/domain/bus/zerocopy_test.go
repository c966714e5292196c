package bus

import (
	"context"
	"testing"

	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fill allocates a zero-copy buffer and frames data for mid into it
func fill(t *testing.T, c *Client, mid msg.ID, data string) *Buffer {
	t.Helper()
	frame := msg.NewMessage(mid, []byte(data))
	buf, err := c.AllocateMessageBuffer(len(frame))
	require.NoError(t, err)
	copy(buf.Bytes(), frame)
	return buf
}

func TestZeroCopyUseCount(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.client(t, "A")
	pid := f.pipeFor(t, c, "P", 4, 0xA0)

	buf := fill(t, c, 0xA0, "zero copy")
	assert.Equal(t, 1, f.bus.Stats().ZeroCopyIssued)

	r, err := c.TransmitBuffer(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, r.Status)
	assert.True(t, buf.Released(), "transmit consumes the buffer")
	assert.Equal(t, 1, buf.UseCount(), "only the queue holds it")

	s := f.bus.Stats()
	assert.Zero(t, s.ZeroCopyIssued)
	assert.Equal(t, 1, s.InTransit)

	got, err := c.Receive(context.Background(), pid)
	require.NoError(t, err)
	assert.Equal(t, "zero copy", string(msg.UserData(got.Bytes())))
	require.NoError(t, got.Release())

	assert.Zero(t, buf.UseCount())
	assert.Zero(t, f.bus.Stats().BuffersInUse)
}

func TestZeroCopyFanOutSharesBlock(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.client(t, "A")
	p1 := f.pipeFor(t, c, "P1", 4, 0xA1)
	p2 := f.pipeFor(t, c, "P2", 4, 0xA1)

	buf := fill(t, c, 0xA1, "shared")
	_, err := c.TransmitBuffer(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, 2, buf.UseCount())

	r1, err := c.Receive(context.Background(), p1)
	require.NoError(t, err)
	r2, err := c.Receive(context.Background(), p2)
	require.NoError(t, err)
	assert.Same(t, &r1.Bytes()[0], &r2.Bytes()[0])

	require.NoError(t, r1.Release())
	assert.Equal(t, 1, buf.UseCount())
	require.NoError(t, r2.Release())
	assert.Zero(t, f.bus.Stats().BuffersInUse)
}

func TestZeroCopyConsumedOnce(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.client(t, "A")
	f.pipeFor(t, c, "P", 4, 0xA2)

	buf := fill(t, c, 0xA2, "once")
	_, err := c.TransmitBuffer(context.Background(), buf)
	require.NoError(t, err)

	_, err = c.TransmitBuffer(context.Background(), buf)
	assert.ErrorIs(t, err, ErrBufferReleased)
	assert.ErrorIs(t, c.ReleaseMessageBuffer(buf), ErrBufferReleased)
	assert.ErrorIs(t, buf.Release(), ErrBufferReleased)
	assert.Equal(t, 1, buf.UseCount(), "queued copy untouched")
}

func TestZeroCopyOwnership(t *testing.T) {
	f := newFixture(t, testConfig())
	a := f.client(t, "A")
	b := f.client(t, "B")
	f.pipeFor(t, b, "P", 4, 0xA3)

	buf := fill(t, a, 0xA3, "mine")
	_, err := b.TransmitBuffer(context.Background(), buf)
	assert.ErrorIs(t, err, ErrBufferInvalid)
	assert.ErrorIs(t, b.ReleaseMessageBuffer(buf), ErrBufferInvalid)
	assert.False(t, buf.Released(), "a rejected call leaves the buffer with its owner")

	require.NoError(t, a.ReleaseMessageBuffer(buf))
	s := f.bus.Stats()
	assert.Zero(t, s.ZeroCopyIssued)
	assert.Zero(t, s.BuffersInUse)
}

func TestZeroCopyCallErrorKeepsOwnership(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.client(t, "A")

	buf, err := c.AllocateMessageBuffer(msg.HeaderSize)
	require.NoError(t, err)
	// zeroed header carries msg id 0
	_, err = c.TransmitBuffer(context.Background(), buf)
	assert.ErrorIs(t, err, ErrInvalidMsgID)
	assert.False(t, buf.Released())
	assert.Equal(t, 1, f.bus.Stats().ZeroCopyIssued)

	require.NoError(t, c.ReleaseMessageBuffer(buf))
}

func TestAllocateMessageBufferSize(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.client(t, "A")

	_, err := c.AllocateMessageBuffer(0)
	assert.ErrorIs(t, err, ErrBadArgument)
	_, err = c.AllocateMessageBuffer(f.bus.Config().MaxMsgSize + 1)
	assert.ErrorIs(t, err, ErrMsgTooBig)
	assert.Equal(t, 2, f.log.count(EventMsgTooBig))

	buf, err := c.AllocateMessageBuffer(f.bus.Config().MaxMsgSize)
	require.NoError(t, err)
	assert.Len(t, buf.Bytes(), f.bus.Config().MaxMsgSize)
	require.NoError(t, c.ReleaseMessageBuffer(buf))
}
