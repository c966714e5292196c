package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GriffinCanCode/flightbus/internal/domain/events"
	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/GriffinCanCode/flightbus/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/flightbus/internal/osal"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
	"go.uber.org/zap"
)

// TxnOption tunes a transmit or receive transaction
type TxnOption func(*txnOptions)

type txnOptions struct {
	timeout   osal.Timeout
	endpoint  bool
	routingID msg.ID
}

// WithTimeout sets the wait policy. Transactions poll by default.
func WithTimeout(to osal.Timeout) TxnOption {
	return func(o *txnOptions) { o.timeout = to }
}

// AsEndpoint controls whether the origination and verification hooks run
// and whether the route sequence counter is stamped. Defaults to true.
func AsEndpoint(v bool) TxnOption {
	return func(o *txnOptions) { o.endpoint = v }
}

// WithRoutingID routes a transmitted message by id instead of the id in
// its header
func WithRoutingID(id msg.ID) TxnOption {
	return func(o *txnOptions) { o.routingID = id }
}

// txnEntry is the per-pipe state of a transaction
type txnEntry struct {
	pipeID    id.PipeID
	eid       EventID
	osErr     error
	err       error
	written   bool
	delivered bool
}

// transaction carries one transmit or receive from start to event report.
// Events are only recorded while it runs and emitted by reportEvents once
// the bus lock is no longer held.
type transaction struct {
	bus      *Bus
	transmit bool
	task     id.TaskID
	app      id.AppID
	timeout  osal.Timeout
	endpoint bool
	deadline time.Time
	start    time.Time

	msgID  msg.ID
	size   int
	argErr string

	eid     EventID
	status  error
	entries []txnEntry

	span *tracing.Span
}

func (b *Bus) beginTxn(ctx context.Context, c *Client, transmit bool, opts []TxnOption) (*transaction, context.Context) {
	o := txnOptions{timeout: osal.Poll, endpoint: true}
	for _, opt := range opts {
		opt(&o)
	}

	t := &transaction{
		bus:      b,
		transmit: transmit,
		task:     c.task,
		app:      c.app,
		timeout:  o.timeout,
		endpoint: o.endpoint,
		msgID:    o.routingID,
		start:    b.clk.Now(),
	}

	if b.tracer != nil {
		name := "bus.receive"
		if transmit {
			name = "bus.transmit"
		}
		t.span, ctx = b.tracer.StartSpan(ctx, name)
		t.span.SetTag("task", b.apps.TaskName(c.task))
	}

	if err := o.timeout.Validate(); err != nil {
		t.argErr = o.timeout.String()
		if transmit {
			t.setEvent(EventSendBadArg, fmt.Errorf("%w: %w", ErrBadArgument, err))
		} else {
			t.setEvent(EventReceiveBadArg, fmt.Errorf("%w: %w", ErrBadArgument, err))
		}
		return t, ctx
	}
	if o.timeout.Mode == osal.ModeTimed {
		t.deadline = t.start.Add(o.timeout.Duration)
	}
	return t, ctx
}

func (t *transaction) ok() bool { return t.status == nil }

// setEvent records the transaction level event and status. Either may be
// zero.
func (t *transaction) setEvent(eid EventID, status error) {
	if eid != EventNone {
		t.eid = eid
	}
	if status != nil {
		t.status = status
	}
}

// osTimeout returns the wait policy for the next queue call. A timed
// transaction whose deadline has passed degrades to poll.
func (t *transaction) osTimeout() osal.Timeout {
	if t.timeout.Mode != osal.ModeTimed {
		return t.timeout
	}
	return osal.After(t.deadline.Sub(t.bus.clk.Now()))
}

func (t *transaction) addEntry(pid id.PipeID) *txnEntry {
	t.entries = append(t.entries, txnEntry{pipeID: pid})
	return &t.entries[len(t.entries)-1]
}

// processPipes runs fn over every entry without a pending event until fn
// asks to stop
func (t *transaction) processPipes(fn func(e *txnEntry) bool) {
	for i := range t.entries {
		e := &t.entries[i]
		if e.eid != EventNone {
			continue
		}
		if !fn(e) {
			return
		}
	}
}

// reportEvents emits the transaction event and every pending pipe event,
// then bumps one error counter when any of them was an error
func (t *transaction) reportEvents() {
	errs := 0
	if t.eid != EventNone && t.reportSingle(nil, t.eid) {
		errs++
	}
	for i := range t.entries {
		if e := &t.entries[i]; e.eid != EventNone && t.reportSingle(e, e.eid) {
			errs++
		}
	}
	if errs == 0 {
		return
	}

	b := t.bus
	b.mu.Lock()
	switch {
	case t.transmit:
		b.stats.MsgSendErrors++
	case errors.Is(t.status, ErrBadArgument):
		b.stats.MsgReceiveErrors++
	default:
		b.stats.InternalErrors++
	}
	b.mu.Unlock()
}

// reportSingle sends one event and reports whether it was an error. A
// suppressed event still counts.
func (t *transaction) reportSingle(e *txnEntry, eid EventID) bool {
	sev, text := t.eventDetails(e, eid)
	if eid == EventSendIntegrityFail {
		// the event would be republished through the codec that rejected it
		t.bus.logger.Warn(text, zap.Uint16("event_id", uint16(eid)), zap.String("task", t.task.String()))
		return true
	}
	t.bus.emit(t.task, eid, sev, text)
	return sev >= events.Error
}

func (t *transaction) eventDetails(e *txnEntry, eid EventID) (events.Severity, string) {
	b := t.bus
	sender := b.apps.TaskName(t.task)

	pipeName := ""
	var osErr error
	if e != nil {
		osErr = e.osErr
		if e.eid == EventBadPipeID {
			pipeName = fmt.Sprintf("%d", uint32(e.pipeID))
		} else {
			b.mu.Lock()
			pipeName = b.pipeName(e.pipeID)
			b.mu.Unlock()
		}
	}
	mid := uint32(t.msgID)

	switch eid {
	case EventSendBadArg:
		return events.Error, fmt.Sprintf("Send Err:Bad input argument,Arg %s,App %s", t.argErr, sender)
	case EventSendInvalidMsgID:
		return events.Error, fmt.Sprintf("Send Err:Invalid MsgId(0x%x)in msg,App %s", mid, sender)
	case EventMsgTooBig:
		return events.Error, fmt.Sprintf("Send Err:Msg Too Big MsgId=0x%x,app=%s,size=%d,MaxSz=%d", mid, sender, t.size, b.cfg.MaxMsgSize)
	case EventSendNoSubs:
		return events.Info, fmt.Sprintf("No subscribers for MsgId 0x%x,sender %s", mid, sender)
	case EventGetBufErr:
		return events.Error, fmt.Sprintf("Send Err:Request for Buffer Failed. MsgId 0x%x,app %s,size %d", mid, sender, t.size)
	case EventMsgIDLimitErr:
		return events.Error, fmt.Sprintf("Msg Limit Err,MsgId 0x%x,pipe %s,sender %s", mid, pipeName, sender)
	case EventQueueFull:
		return events.Error, fmt.Sprintf("Pipe Overflow,MsgId 0x%x,pipe %s,sender %s", mid, pipeName, sender)
	case EventQueueWriteErr:
		return events.Error, fmt.Sprintf("Pipe Write Err,MsgId 0x%x,pipe %s,sender %s,stat %v", mid, pipeName, sender, osErr)
	case EventQueueReadErr:
		return events.Error, fmt.Sprintf("Pipe Read Err,pipe %s,app %s,stat %v", pipeName, sender, osErr)
	case EventReceiveBadArg:
		return events.Error, fmt.Sprintf("Rcv Err:Bad Input Arg:pipe %s,t/o %s,app %s", pipeName, t.argErr, sender)
	case EventBadPipeID:
		return events.Error, fmt.Sprintf("Rcv Err:PipeId %s does not exist,app %s", pipeName, sender)
	case EventSendIntegrityFail:
		return events.Error, fmt.Sprintf("Send Err:Origination rejected,MsgId 0x%x,app %s", mid, sender)
	case EventReceiveIntegrityFail:
		return events.Error, fmt.Sprintf("Rcv Err:Verification failed,MsgId 0x%x,pipe %s,app %s", mid, pipeName, sender)
	default:
		return events.Debug, fmt.Sprintf("Event %d,app %s", eid, sender)
	}
}

func (t *transaction) elapsed() time.Duration {
	return t.bus.clk.Since(t.start)
}

// finishSpan closes the tracing span, if any
func (t *transaction) finishSpan(outcome string, err error) {
	if t.span == nil {
		return
	}
	if t.msgID != msg.InvalidID {
		t.span.SetTag("msg_id", t.msgID.String())
	}
	t.span.SetStatus(outcome)
	if err != nil {
		t.span.SetError(err)
	}
	t.span.Finish()
	t.bus.tracer.Submit(t.span)
}
