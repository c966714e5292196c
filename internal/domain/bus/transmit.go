package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/GriffinCanCode/flightbus/internal/osal"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
)

// TransmitStatus is the aggregate outcome of a transmit
type TransmitStatus int

const (
	// StatusDelivered means every destination received the message
	StatusDelivered TransmitStatus = iota
	// StatusNoSubscribers means nothing subscribes to the message id
	StatusNoSubscribers
	// StatusPartialFailure means some destinations failed
	StatusPartialFailure
	// StatusFailed means no destination received the message
	StatusFailed
)

func (s TransmitStatus) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusNoSubscribers:
		return "no_subscribers"
	case StatusPartialFailure:
		return "partial_failure"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DestResult is the outcome for one destination pipe
type DestResult struct {
	PipeID    id.PipeID `json:"pipe_id"`
	Delivered bool      `json:"delivered"`
	Err       error     `json:"-"`
}

// TransmitReport summarizes a transmit. Per-destination failures are
// reported here and never through the error return. Attempted counts queue
// writes; destinations dropped before a write (message limit, rollback) are
// counted in Skipped. Results holds one entry for each of them.
type TransmitReport struct {
	MsgID     msg.ID         `json:"msg_id"`
	Status    TransmitStatus `json:"status"`
	Attempted int            `json:"attempted"`
	Skipped   int            `json:"skipped"`
	Delivered int            `json:"delivered"`
	Results   []DestResult   `json:"results,omitempty"`
}

// Err returns ErrDeliveryFailed when any destination failed
func (r TransmitReport) Err() error {
	switch r.Status {
	case StatusPartialFailure, StatusFailed:
		return fmt.Errorf("%w: %d of %d destinations", ErrDeliveryFailed, len(r.Results)-r.Delivered, len(r.Results))
	default:
		return nil
	}
}

// TransmitMsg copies payload into a pool buffer and delivers it to every
// subscribed pipe. payload must be a framed message.
func (c *Client) TransmitMsg(ctx context.Context, payload []byte, opts ...TxnOption) (TransmitReport, error) {
	b := c.bus
	t, ctx := b.beginTxn(ctx, c, true, opts)

	if t.ok() && len(payload) == 0 {
		t.argErr = "empty payload"
		t.setEvent(EventSendBadArg, fmt.Errorf("%w: empty payload", ErrBadArgument))
	}
	if t.ok() {
		t.setContent(payload)
	}

	h := bufHandle{slot: nilSlot}
	if t.ok() {
		var (
			block []byte
			err   error
		)
		b.mu.Lock()
		h, err = b.allocLocked(t.size)
		if err == nil {
			block = b.bufs.get(h).block[:t.size]
		}
		b.mu.Unlock()

		if err != nil {
			t.setEvent(EventGetBufErr, err)
		} else {
			copy(block, payload[:t.size])
		}
	}

	if t.ok() {
		b.execute(ctx, t, h, nil)
	}
	return b.finishTransmit(t)
}

// TransmitBuffer delivers a buffer obtained from AllocateMessageBuffer
// without copying it. On success buf is consumed and must not be used or
// released again. On a call-level error the caller keeps ownership.
func (c *Client) TransmitBuffer(ctx context.Context, buf *Buffer, opts ...TxnOption) (TransmitReport, error) {
	b := c.bus
	t, ctx := b.beginTxn(ctx, c, true, opts)

	if t.ok() && buf == nil {
		t.argErr = "nil buffer"
		t.setEvent(EventSendBadArg, fmt.Errorf("%w: nil buffer", ErrBadArgument))
	}
	if t.ok() {
		b.mu.Lock()
		err := b.validateZeroCopyLocked(buf, c.app)
		b.mu.Unlock()
		if err != nil {
			t.setEvent(EventNone, err)
		}
	}
	if t.ok() {
		t.setContent(buf.data)
	}
	if t.ok() {
		b.execute(ctx, t, buf.h, buf)
	}
	return b.finishTransmit(t)
}

// setContent resolves the routing id and size of an outgoing message
func (t *transaction) setContent(payload []byte) {
	codec := t.bus.codec

	if t.msgID == msg.InvalidID {
		mid, err := codec.MsgID(payload)
		if err != nil {
			t.argErr = err.Error()
			t.setEvent(EventSendBadArg, fmt.Errorf("%w: %w", ErrBadArgument, err))
			return
		}
		t.msgID = mid
	}
	if !t.msgID.IsValid() {
		t.setEvent(EventSendInvalidMsgID, fmt.Errorf("%w: %s", ErrInvalidMsgID, t.msgID))
		return
	}

	size, err := codec.Size(payload)
	if err != nil {
		t.argErr = err.Error()
		t.setEvent(EventSendBadArg, fmt.Errorf("%w: %w", ErrBadArgument, err))
		return
	}
	t.size = size
	if size > t.bus.cfg.MaxMsgSize {
		t.setEvent(EventMsgTooBig, fmt.Errorf("%w: %d > %d", ErrMsgTooBig, size, t.bus.cfg.MaxMsgSize))
		return
	}
	if size > len(payload) {
		t.argErr = fmt.Sprintf("size %d exceeds buffer %d", size, len(payload))
		t.setEvent(EventSendBadArg, fmt.Errorf("%w: %s", ErrBadArgument, t.argErr))
	}
}

// execute fans the buffer out and drops the sender's hold on it. zc is the
// caller's zero-copy reference, or nil for a copied message.
func (b *Bus) execute(ctx context.Context, t *transaction, h bufHandle, zc *Buffer) {
	b.mu.Lock()
	if zc != nil {
		if err := b.validateZeroCopyLocked(zc, t.app); err != nil {
			b.mu.Unlock()
			t.setEvent(EventNone, err)
			return
		}
		zc.released.Store(true)
	}
	block := b.findDestinationsLocked(t, h)
	b.mu.Unlock()

	if t.ok() && t.endpoint {
		if b.codec.Originate(block, cap(block)) != msg.Accepted {
			t.setEvent(EventSendIntegrityFail, fmt.Errorf("%w: origination rejected", ErrIntegrity))
		}
	}

	if t.ok() {
		t.processPipes(func(e *txnEntry) bool {
			b.writePipe(ctx, t, e, h)
			return true
		})
	} else {
		b.rollback(t, h)
	}

	b.mu.Lock()
	b.decrUseLocked(h)
	b.mu.Unlock()
}

// findDestinationsLocked stamps the routing fields, takes one reference per
// destination in anticipation of the queue write and moves the buffer to
// the in-transit list. It returns the message bytes.
func (b *Bus) findDestinationsLocked(t *transaction, h bufHandle) []byte {
	d := b.bufs.get(h)
	d.msgID = t.msgID
	d.size = t.size
	d.routeID = b.routes.RouteID(t.msgID)
	block := d.block[:t.size]

	if d.routeID.IsValid() && b.routes.DestCount(d.routeID) > 0 {
		if t.endpoint {
			b.codec.SetSequence(block, b.routes.IncrementSequence(d.routeID))
		}

		for dest := range b.routes.Destinations(d.routeID) {
			if len(t.entries) >= b.cfg.MaxDestPerPkt {
				break
			}
			if !dest.Active {
				continue
			}
			p := b.pipeLocked(dest.PipeID)
			if p == nil {
				continue
			}
			if p.opts&OptIgnoreMine != 0 && p.owner == t.app {
				continue
			}

			e := t.addEntry(dest.PipeID)
			if dest.BuffCount >= dest.MsgLimit {
				e.eid = EventMsgIDLimitErr
				e.err = fmt.Errorf("%w: %d queued", ErrMsgLimit, dest.BuffCount)
				b.stats.MsgLimitErrors++
				p.sendErrors++
				continue
			}

			b.incrUseLocked(h)
			dest.BuffCount++
			p.curDepth++
			if p.curDepth > p.peakDepth {
				p.peakDepth = p.curDepth
			}
		}
	} else {
		b.stats.NoSubscribers++
		t.setEvent(EventSendNoSubs, nil)
	}

	b.bufs.remove(h.slot)
	d.owner = 0
	b.bufs.add(listInTransit, h.slot)
	return block
}

// writePipe puts the buffer on one pipe queue outside the lock. A failed
// write undoes the accounting done by findDestinationsLocked.
func (b *Bus) writePipe(ctx context.Context, t *transaction, e *txnEntry, h bufHandle) {
	b.mu.Lock()
	p := b.pipeLocked(e.pipeID)
	var queue *osal.Queue[bufHandle]
	if p != nil {
		queue = p.queue
	}
	b.mu.Unlock()

	err := osal.ErrQueueClosed
	e.written = true
	if queue != nil {
		err = queue.Put(ctx, h, t.osTimeout())
	}
	if err == nil {
		e.delivered = true
		return
	}

	e.osErr = err
	b.mu.Lock()
	defer b.mu.Unlock()

	if errors.Is(err, osal.ErrQueueFull) || errors.Is(err, osal.ErrQueueTimeout) {
		e.eid = EventQueueFull
		e.err = fmt.Errorf("%w: %w", ErrPipeOverflow, err)
		b.stats.PipeOverflowErrors++
	} else {
		e.eid = EventQueueWriteErr
		e.err = fmt.Errorf("%w: %w", ErrPipeWrite, err)
		b.stats.InternalErrors++
	}
	b.undoEntryLocked(e, h)
}

// rollback undoes every anticipatory reference when nothing may be written
func (b *Bus) rollback(t *transaction, h bufHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range t.entries {
		e := &t.entries[i]
		if e.eid != EventNone {
			continue
		}
		e.err = t.status
		b.undoEntryLocked(e, h)
	}
}

func (b *Bus) undoEntryLocked(e *txnEntry, h bufHandle) {
	if p := b.pipeLocked(e.pipeID); p != nil {
		if p.curDepth > 0 {
			p.curDepth--
		}
		p.sendErrors++
	}
	if d := b.bufs.get(h); d != nil {
		if dest := b.destinationLocked(d.routeID, e.pipeID); dest != nil && dest.BuffCount > 0 {
			dest.BuffCount--
		}
	}
	b.decrUseLocked(h)
}

// finishTransmit reports deferred events and builds the caller's report
func (b *Bus) finishTransmit(t *transaction) (TransmitReport, error) {
	t.reportEvents()

	r := TransmitReport{
		MsgID:   t.msgID,
		Results: make([]DestResult, 0, len(t.entries)),
	}
	for _, e := range t.entries {
		r.Results = append(r.Results, DestResult{PipeID: e.pipeID, Delivered: e.delivered, Err: e.err})
		if e.written {
			r.Attempted++
		} else {
			r.Skipped++
		}
		if e.delivered {
			r.Delivered++
		}
	}
	switch {
	case t.eid == EventSendNoSubs:
		r.Status = StatusNoSubscribers
	case !t.ok() || (len(r.Results) > 0 && r.Delivered == 0):
		r.Status = StatusFailed
	case r.Delivered < len(r.Results):
		r.Status = StatusPartialFailure
	default:
		r.Status = StatusDelivered
	}

	if b.observer != nil {
		b.observer.ObserveTransmit(r.Status.String(), r.Delivered, t.elapsed())
	}
	t.finishSpan(r.Status.String(), t.status)
	return r, t.status
}
