package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/GriffinCanCode/flightbus/internal/osal"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
)

// Receive takes the next message from a pipe. The returned Buffer holds
// the reference the queue held; release it when done, or set OptAutoRelease
// on the pipe to have the next Receive release it.
//
// ErrNoMessage (poll on an empty pipe) and ErrTimeout are expected
// outcomes. Context cancellation is reported as ErrTimeout.
func (c *Client) Receive(ctx context.Context, pid id.PipeID, opts ...TxnOption) (*Buffer, error) {
	b := c.bus
	t, ctx := b.beginTxn(ctx, c, false, opts)
	e := t.addEntry(pid)

	var queue *osal.Queue[bufHandle]
	if t.ok() {
		queue = b.receiveSetPipe(t, e)
	}

	var out *Buffer
	for t.ok() {
		buf := b.readPipe(ctx, t, e, queue)
		if buf == nil {
			break
		}
		if !t.endpoint || b.codec.Verify(buf.data, cap(buf.data)) == msg.Accepted {
			out = buf
			break
		}

		t.msgID = buf.msgID
		t.reportSingle(e, EventReceiveIntegrityFail)
		b.dropReceived(pid, buf)
		if !b.cfg.VerifyRetry {
			t.setEvent(EventNone, fmt.Errorf("%w: msg %s on %s", ErrIntegrity, buf.msgID, pid))
		}
	}
	if out != nil {
		t.msgID = out.msgID
	}

	t.reportEvents()

	outcome := receiveOutcome(t.status)
	if b.observer != nil {
		b.observer.ObserveReceive(outcome, t.elapsed())
	}
	var spanErr error
	if !isExpected(t.status) {
		spanErr = t.status
	}
	t.finishSpan(outcome, spanErr)

	if out == nil {
		return nil, t.status
	}
	return out, nil
}

// receiveSetPipe validates the pipe and releases the buffer held for
// auto-release from the previous receive
func (b *Bus) receiveSetPipe(t *transaction, e *txnEntry) *osal.Queue[bufHandle] {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.pipeLocked(e.pipeID)
	if p == nil {
		e.eid = EventBadPipeID
		t.setEvent(EventNone, fmt.Errorf("%w: %w: %s", ErrBadArgument, ErrPipeNotFound, e.pipeID))
		return nil
	}
	if p.lastRef != nil {
		_ = b.releaseRefLocked(p.lastRef)
		p.lastRef = nil
	}
	return p.queue
}

// readPipe reads one handle outside the lock and exports it to the caller.
// It returns nil with the transaction status set when nothing was read.
func (b *Bus) readPipe(ctx context.Context, t *transaction, e *txnEntry, queue *osal.Queue[bufHandle]) *Buffer {
	h, err := queue.Get(ctx, t.osTimeout())
	if err == nil {
		return b.exportReference(t, e, h)
	}

	switch {
	case errors.Is(err, osal.ErrQueueEmpty):
		if t.timeout.Mode == osal.ModeTimed {
			t.setEvent(EventNone, ErrTimeout)
		} else {
			t.setEvent(EventNone, ErrNoMessage)
		}
	case errors.Is(err, osal.ErrQueueTimeout):
		t.setEvent(EventNone, fmt.Errorf("%w: %w", ErrTimeout, err))
	case errors.Is(err, osal.ErrQueueClosed):
		e.eid = EventBadPipeID
		t.setEvent(EventNone, fmt.Errorf("%w: %w: %s", ErrBadArgument, ErrPipeNotFound, e.pipeID))
	default:
		e.eid = EventQueueReadErr
		e.osErr = err
		t.setEvent(EventNone, fmt.Errorf("%w: %w", ErrPipeRead, err))
	}
	return nil
}

// exportReference hands the queue's reference to a new Buffer. The pipe is
// re-verified because it may have been deleted while the read was pending.
func (b *Bus) exportReference(t *transaction, e *txnEntry, h bufHandle) *Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.bufs.get(h)
	if d == nil {
		panic("bus: stale buffer handle in pipe queue")
	}

	p := b.pipeLocked(e.pipeID)
	if p == nil {
		e.eid = EventBadPipeID
		t.setEvent(EventNone, fmt.Errorf("%w: %s deleted during read", ErrPipeRead, e.pipeID))
		b.decrUseLocked(h)
		return nil
	}

	// The destination is gone if the message was unsubscribed while queued
	if dest := b.destinationLocked(d.routeID, e.pipeID); dest != nil && dest.BuffCount > 0 {
		dest.BuffCount--
	}
	if p.curDepth > 0 {
		p.curDepth--
	}

	buf := &Buffer{
		bus:   b,
		h:     h,
		data:  d.block[:d.size],
		msgID: d.msgID,
		kind:  kindReceived,
	}
	if p.opts&OptAutoRelease != 0 {
		p.lastRef = buf
	}
	return buf
}

// dropReceived releases a buffer that failed verification
func (b *Bus) dropReceived(pid id.PipeID, buf *Buffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.pipeLocked(pid); p != nil && p.lastRef == buf {
		p.lastRef = nil
	}
	_ = b.releaseRefLocked(buf)
}

func receiveOutcome(err error) string {
	switch {
	case err == nil:
		return "received"
	case errors.Is(err, ErrNoMessage):
		return "no_message"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrBadArgument):
		return "bad_argument"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	default:
		return "pipe_error"
	}
}
