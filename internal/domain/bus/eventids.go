package bus

import (
	"github.com/GriffinCanCode/flightbus/internal/domain/events"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
)

// EventID identifies an event emitted by the bus
type EventID uint16

const (
	EventNone                     EventID = 0
	EventInit                     EventID = 1
	EventCreatePipeBadArg         EventID = 2
	EventMaxPipesMet              EventID = 3
	EventCreatePipeErr            EventID = 4
	EventPipeAdded                EventID = 5
	EventSubscribeArgErr          EventID = 6
	EventDupSubscription          EventID = 7
	EventMaxMsgsMet               EventID = 8
	EventMaxDestsMet              EventID = 9
	EventSubscriptionRcvd         EventID = 10
	EventUnsubscribeArgErr        EventID = 11
	EventUnsubscribeNoSubs        EventID = 12
	EventSendBadArg               EventID = 13
	EventSendNoSubs               EventID = 14
	EventMsgTooBig                EventID = 15
	EventGetBufErr                EventID = 16
	EventMsgIDLimitErr            EventID = 17
	EventReceiveBadArg            EventID = 18
	EventBadPipeID                EventID = 19
	EventSendInvalidMsgID         EventID = 21
	EventQueueFull                EventID = 25
	EventQueueWriteErr            EventID = 26
	EventQueueReadErr             EventID = 27
	EventEnableRoute              EventID = 33
	EventEnableRouteErr           EventID = 34
	EventDisableRoute             EventID = 36
	EventDisableRouteErr          EventID = 37
	EventDeletePipeErr            EventID = 46
	EventPipeDeleted              EventID = 47
	EventSubscriptionRemoved      EventID = 48
	EventSubscribeInvalidPipe     EventID = 50
	EventSubscribeInvalidCaller   EventID = 51
	EventUnsubscribeInvalidPipe   EventID = 52
	EventUnsubscribeInvalidCaller EventID = 53
	EventSetPipeOpts              EventID = 57
	EventSetPipeOptsErr           EventID = 55
	EventCreatePipeNameTaken      EventID = 69
	EventSendIntegrityFail        EventID = 71
	EventReceiveIntegrityFail     EventID = 72
)

// Reentrancy guard bits, one per self-referential event category
const (
	bitNone         = -1
	bitSendNoSubs   = 0
	bitGetBufErr    = 1
	bitMsgIDLimit   = 2
	bitQueueFull    = 3
	bitQueueWrErr   = 4
	bitSendBadArg   = 5
	bitSendInvMsgID = 6
	bitMsgTooBig    = 7
)

// guardBit returns the reentrancy bit guarding eid, or bitNone
func guardBit(eid EventID) int {
	switch eid {
	case EventSendNoSubs:
		return bitSendNoSubs
	case EventGetBufErr:
		return bitGetBufErr
	case EventMsgIDLimitErr:
		return bitMsgIDLimit
	case EventQueueFull:
		return bitQueueFull
	case EventQueueWriteErr:
		return bitQueueWrErr
	case EventSendBadArg:
		return bitSendBadArg
	case EventSendInvalidMsgID:
		return bitSendInvMsgID
	case EventMsgTooBig:
		return bitMsgTooBig
	default:
		return bitNone
	}
}

// emit sends an event bracketed by the reentrancy guard. It must be called
// without the bus lock held.
func (b *Bus) emit(task id.TaskID, eid EventID, sev events.Severity, text string) {
	if b.events == nil {
		return
	}
	bit := guardBit(eid)
	if !b.RequestToSendEvent(task, bit) {
		return
	}
	b.events.SendEvent(task, uint16(eid), sev, text)
	b.FinishSendEvent(task, bit)
}
