package bus

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/flightbus/internal/domain/events"
	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/GriffinCanCode/flightbus/internal/domain/router"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
)

// SubscribeOption tunes a subscription
type SubscribeOption func(*router.Destination)

// WithMsgLimit caps how many messages may be queued to the pipe for this id
func WithMsgLimit(n int) SubscribeOption {
	return func(d *router.Destination) { d.MsgLimit = n }
}

// WithScope sets the subscription scope
func WithScope(s router.Scope) SubscribeOption {
	return func(d *router.Destination) { d.Scope = s }
}

// Subscribe routes msgID to a pipe the caller owns. Subscribing twice is
// not an error.
func (c *Client) Subscribe(msgID msg.ID, pid id.PipeID, opts ...SubscribeOption) error {
	b := c.bus
	taskName := b.apps.TaskName(c.task)

	d := &router.Destination{
		PipeID:   pid,
		MsgLimit: b.cfg.DefaultMsgLimit,
		Active:   true,
		Scope:    router.ScopeGlobal,
	}
	for _, opt := range opts {
		opt(d)
	}

	b.mu.Lock()
	p := b.pipeLocked(pid)
	var (
		err   error
		eid   EventID
		sev   = events.Error
		text  string
		isDup bool
	)
	switch {
	case p == nil:
		err = fmt.Errorf("%w: %s", ErrPipeNotFound, pid)
		eid, text = EventSubscribeInvalidPipe, fmt.Sprintf("Subscribe Err:Invalid Pipe Id,Msg=%s,PipeId=%s,App %s", msgID, pid, taskName)
	case p.owner != c.app:
		err = fmt.Errorf("%w: %s", ErrNotOwner, pid)
		eid, text = EventSubscribeInvalidCaller, fmt.Sprintf("Subscribe Err:Caller(%s) is not the owner of pipe %s,Msg=%s", taskName, p.name, msgID)
	case !msgID.IsValid() || d.MsgLimit <= 0:
		err = fmt.Errorf("%w: msgid %s limit %d", ErrBadArgument, msgID, d.MsgLimit)
		eid, text = EventSubscribeArgErr, fmt.Sprintf("Subscribe Err:Bad Arg,MsgId %s,PipeId %s,app %s,scope %d", msgID, pid, taskName, d.Scope)
	default:
		isDup, eid, text, err = b.addSubscriptionLocked(msgID, p, d, taskName)
		if isDup {
			sev = events.Info
		} else if err == nil {
			sev = events.Debug
		}
	}
	if err != nil {
		b.stats.SubscribeErrors++
	}
	b.mu.Unlock()

	if eid != EventNone {
		b.emit(c.task, eid, sev, text)
	}
	return err
}

func (b *Bus) addSubscriptionLocked(msgID msg.ID, p *pipe, d *router.Destination, taskName string) (bool, EventID, string, error) {
	rid := b.routes.RouteID(msgID)
	if !rid.IsValid() {
		var err error
		rid, err = b.routes.AddRoute(msgID)
		if err != nil {
			if errors.Is(err, router.ErrMaxMsgIDsMet) {
				return false, EventMaxMsgsMet,
					fmt.Sprintf("Subscribe Err:Max Msgs(%d)In Use,MsgId %s,pipe %s,app %s", b.cfg.MaxMsgIDs, msgID, p.name, taskName),
					fmt.Errorf("%w: %w", ErrMaxMsgIDsMet, err)
			}
			return false, EventSubscribeArgErr, fmt.Sprintf("Subscribe Err:%v", err), fmt.Errorf("%w: %w", ErrBadArgument, err)
		}
		b.stats.MsgIDsInUse++
		if b.stats.MsgIDsInUse > b.stats.PeakMsgIDsInUse {
			b.stats.PeakMsgIDsInUse = b.stats.MsgIDsInUse
		}
	}

	if b.routes.Destination(rid, p.id) != nil {
		b.stats.DuplicateSubscriptions++
		return true, EventDupSubscription,
			fmt.Sprintf("Duplicate Subscription,MsgId %s on %s pipe,app %s", msgID, p.name, taskName), nil
	}

	if b.routes.DestCount(rid) >= b.cfg.MaxDestPerPkt {
		return false, EventMaxDestsMet,
			fmt.Sprintf("Subscribe Err:Max Dests(%d)In Use For Msg 0x%x,pipe %s,app %s", b.cfg.MaxDestPerPkt, uint32(msgID), p.name, taskName),
			ErrMaxDestsMet
	}

	if err := b.routes.AddDestination(rid, d); err != nil {
		return false, EventSubscribeArgErr, fmt.Sprintf("Subscribe Err:%v", err), fmt.Errorf("%w: %w", ErrBadArgument, err)
	}
	b.stats.SubscriptionsInUse++
	if b.stats.SubscriptionsInUse > b.stats.PeakSubscriptionsInUse {
		b.stats.PeakSubscriptionsInUse = b.stats.SubscriptionsInUse
	}
	return false, EventSubscriptionRcvd,
		fmt.Sprintf("Subscription Rcvd:MsgId %s on %s(%d),app %s", msgID, p.name, p.id.Index(), taskName), nil
}

// Unsubscribe removes the route from msgID to a pipe the caller owns.
// Removing a subscription that does not exist is reported but not an error.
func (c *Client) Unsubscribe(msgID msg.ID, pid id.PipeID) error {
	return c.bus.unsubscribe(c.task, c.app, msgID, pid, false)
}

// UnsubscribeApp removes a subscription on behalf of appID. Intended for
// administrative use.
func (b *Bus) UnsubscribeApp(appID id.AppID, msgID msg.ID, pid id.PipeID) error {
	return b.unsubscribe(b.admin, appID, msgID, pid, true)
}

func (b *Bus) unsubscribe(task id.TaskID, caller id.AppID, msgID msg.ID, pid id.PipeID, admin bool) error {
	taskName := b.apps.TaskName(task)

	b.mu.Lock()
	p := b.pipeLocked(pid)
	var (
		err  error
		eid  EventID
		sev  = events.Error
		text string
	)
	switch {
	case p == nil:
		err = fmt.Errorf("%w: %s", ErrPipeNotFound, pid)
		eid, text = EventUnsubscribeInvalidPipe, fmt.Sprintf("Unsubscribe Err:Invalid Pipe Id Msg=%s,Pipe=%s,app=%s", msgID, pid, taskName)
	case !admin && p.owner != caller:
		err = fmt.Errorf("%w: %s", ErrNotOwner, pid)
		eid, text = EventUnsubscribeInvalidCaller, fmt.Sprintf("Unsubscribe Err:Caller(%s) is not the owner of pipe %s,Msg=%s", taskName, p.name, msgID)
	case !msgID.IsValid():
		err = fmt.Errorf("%w: msgid %s", ErrBadArgument, msgID)
		eid, text = EventUnsubscribeArgErr, fmt.Sprintf("UnSubscribe Err:Bad Arg,MsgId %s,PipeId %s,app %s", msgID, pid, taskName)
	default:
		rid := b.routes.RouteID(msgID)
		if _, ok := b.routes.RemoveDestination(rid, pid); ok {
			b.stats.SubscriptionsInUse--
			eid, sev = EventSubscriptionRemoved, events.Debug
			text = fmt.Sprintf("Subscription Removed:Msg %s on pipe %s,app %s", msgID, p.name, taskName)
		} else {
			eid, sev = EventUnsubscribeNoSubs, events.Info
			text = fmt.Sprintf("Unsubscribe Err:No subs for Msg %s on %s,app %s", msgID, p.name, taskName)
		}
	}
	b.mu.Unlock()

	b.emit(task, eid, sev, text)
	return err
}

// SetRouteActive enables or disables delivery of msgID to a pipe without
// removing the subscription
func (b *Bus) SetRouteActive(msgID msg.ID, pid id.PipeID, active bool) error {
	b.mu.Lock()
	var d *router.Destination
	if b.pipeLocked(pid) != nil {
		d = b.routes.Destination(b.routes.RouteID(msgID), pid)
	}
	if d != nil {
		d.Active = active
	}
	b.mu.Unlock()

	okID, errID, verb := EventEnableRoute, EventEnableRouteErr, "Enabling"
	if !active {
		okID, errID, verb = EventDisableRoute, EventDisableRouteErr, "Disabling"
	}
	if d == nil {
		b.emit(b.admin, errID, events.Error,
			fmt.Sprintf("%s Route Cmd:Route does not exist,Msg %s,Pipe %s", verb, msgID, pid))
		return fmt.Errorf("%w: no route for %s to %s", ErrBadArgument, msgID, pid)
	}
	b.emit(b.admin, okID, events.Debug,
		fmt.Sprintf("%s Route,Msg %s,Pipe %s", verb, msgID, pid))
	return nil
}
