package bus

import (
	"fmt"

	"github.com/GriffinCanCode/flightbus/internal/domain/events"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
)

// AllocateMessageBuffer takes a zeroed pool buffer of size bytes that the
// caller fills in place and hands to TransmitBuffer. Until transmitted it is
// owned by the calling app and released by CleanUpApp if the app exits.
func (c *Client) AllocateMessageBuffer(size int) (*Buffer, error) {
	b := c.bus
	if size <= 0 || size > b.cfg.MaxMsgSize {
		taskName := b.apps.TaskName(c.task)
		b.emit(c.task, EventMsgTooBig, events.Error,
			fmt.Sprintf("Send Err:Msg Too Big MsgId=0x0,app=%s,size=%d,MaxSz=%d", taskName, size, b.cfg.MaxMsgSize))
		if size <= 0 {
			return nil, fmt.Errorf("%w: size %d", ErrBadArgument, size)
		}
		return nil, fmt.Errorf("%w: %d > %d", ErrMsgTooBig, size, b.cfg.MaxMsgSize)
	}

	b.mu.Lock()
	h, err := b.allocLocked(size)
	if err != nil {
		b.mu.Unlock()
		b.emit(c.task, EventGetBufErr, events.Error,
			fmt.Sprintf("Send Err:Request for Buffer Failed. MsgId 0x0,app %s,size %d", b.apps.TaskName(c.task), size))
		return nil, err
	}
	d := b.bufs.get(h)
	d.owner = c.app
	data := d.block[:size]
	clear(data)
	b.bufs.add(listZeroCopy, h.slot)
	b.mu.Unlock()

	return &Buffer{bus: b, h: h, data: data, kind: kindZeroCopy}, nil
}

// ReleaseMessageBuffer returns an untransmitted zero-copy buffer to the pool
func (c *Client) ReleaseMessageBuffer(buf *Buffer) error {
	if buf == nil {
		return fmt.Errorf("%w: nil buffer", ErrBadArgument)
	}
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.validateZeroCopyLocked(buf, c.app); err != nil {
		return err
	}
	return b.releaseRefLocked(buf)
}

// validateZeroCopyLocked checks buf is a live zero-copy buffer owned by app
func (b *Bus) validateZeroCopyLocked(buf *Buffer, app id.AppID) error {
	if buf.bus != b || buf.kind != kindZeroCopy {
		return fmt.Errorf("%w: not a zero-copy buffer", ErrBufferInvalid)
	}
	if buf.Released() {
		return ErrBufferReleased
	}
	d := b.bufs.get(buf.h)
	if d == nil || d.list != listZeroCopy {
		return fmt.Errorf("%w: stale handle", ErrBufferInvalid)
	}
	if d.owner != app {
		return fmt.Errorf("%w: owned by %s", ErrBufferInvalid, d.owner)
	}
	return nil
}
