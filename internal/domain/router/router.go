package router

import (
	"errors"
	"fmt"
	"iter"

	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
)

var (
	ErrMaxMsgIDsMet = errors.New("router: message id capacity reached")
	ErrInvalidRoute = errors.New("router: invalid route id")
	ErrInvalidMsgID = errors.New("router: invalid message id")
)

// Scope limits where a subscription applies
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeLocal
)

// Destination is one delivery edge of a route
type Destination struct {
	PipeID    id.PipeID
	MsgLimit  int
	BuffCount int
	Active    bool
	Scope     Scope
}

// Throttle bounds one step of a resumable route walk.
// NextIndex is zero once the walk has covered every route.
type Throttle struct {
	StartIndex int
	MaxLoop    int
	NextIndex  int
}

type route struct {
	msgID msg.ID
	seq   uint32
	dests []*Destination
}

// Table is an unsorted routing table: routes are appended in the order
// their message ids are first seen and are never removed.
//
// Table is not safe for concurrent use; the bus serializes access under
// its own lock.
type Table struct {
	routes []route
	byMsg  map[msg.ID]id.RouteID
	max    int
}

// New creates a table holding at most maxMsgIDs routes
func New(maxMsgIDs int) *Table {
	return &Table{
		routes: make([]route, 0, maxMsgIDs),
		byMsg:  make(map[msg.ID]id.RouteID, maxMsgIDs),
		max:    maxMsgIDs,
	}
}

func (t *Table) lookup(rid id.RouteID) *route {
	if !rid.IsValid() {
		return nil
	}
	idx := rid.Index()
	if idx >= len(t.routes) || rid.Generation() != 1 {
		return nil
	}
	return &t.routes[idx]
}

// RouteID returns the route for msgID, or the zero id when none exists
func (t *Table) RouteID(msgID msg.ID) id.RouteID {
	return t.byMsg[msgID]
}

// AddRoute returns the route for msgID, creating it if needed
func (t *Table) AddRoute(msgID msg.ID) (id.RouteID, error) {
	if !msgID.IsValid() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidMsgID, msgID)
	}
	if rid, ok := t.byMsg[msgID]; ok {
		return rid, nil
	}
	if len(t.routes) >= t.max {
		return 0, fmt.Errorf("%w: %d", ErrMaxMsgIDsMet, t.max)
	}

	rid := id.MakeRouteID(len(t.routes), 1)
	t.routes = append(t.routes, route{msgID: msgID})
	t.byMsg[msgID] = rid
	return rid, nil
}

// MsgID returns the message id a route serves
func (t *Table) MsgID(rid id.RouteID) msg.ID {
	if r := t.lookup(rid); r != nil {
		return r.msgID
	}
	return msg.InvalidID
}

// Destinations yields the destinations of a route, most recent first.
// The route must not be modified while iterating.
func (t *Table) Destinations(rid id.RouteID) iter.Seq[*Destination] {
	return func(yield func(*Destination) bool) {
		r := t.lookup(rid)
		if r == nil {
			return
		}
		for _, d := range r.dests {
			if !yield(d) {
				return
			}
		}
	}
}

// DestCount returns the number of destinations on a route
func (t *Table) DestCount(rid id.RouteID) int {
	if r := t.lookup(rid); r != nil {
		return len(r.dests)
	}
	return 0
}

// Destination returns the edge from rid to pipe, or nil
func (t *Table) Destination(rid id.RouteID, pipe id.PipeID) *Destination {
	for d := range t.Destinations(rid) {
		if d.PipeID == pipe {
			return d
		}
	}
	return nil
}

// AddDestination inserts d at the head of the route's list
func (t *Table) AddDestination(rid id.RouteID, d *Destination) error {
	r := t.lookup(rid)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrInvalidRoute, rid)
	}
	r.dests = append([]*Destination{d}, r.dests...)
	return nil
}

// RemoveDestination unlinks the edge from rid to pipe
func (t *Table) RemoveDestination(rid id.RouteID, pipe id.PipeID) (*Destination, bool) {
	r := t.lookup(rid)
	if r == nil {
		return nil, false
	}
	for i, d := range r.dests {
		if d.PipeID == pipe {
			r.dests = append(r.dests[:i], r.dests[i+1:]...)
			return d, true
		}
	}
	return nil, false
}

// IncrementSequence advances and returns the route sequence counter
func (t *Table) IncrementSequence(rid id.RouteID) uint32 {
	r := t.lookup(rid)
	if r == nil {
		return 0
	}
	r.seq++
	return r.seq
}

// Sequence returns the current route sequence counter
func (t *Table) Sequence(rid id.RouteID) uint32 {
	if r := t.lookup(rid); r != nil {
		return r.seq
	}
	return 0
}

// Len returns the number of routes in use
func (t *Table) Len() int { return len(t.routes) }

// ForEachRoute calls fn for each route in table order. With a throttle,
// at most MaxLoop routes starting at StartIndex are visited and
// NextIndex is set to where the next call should resume.
func (t *Table) ForEachRoute(fn func(id.RouteID), th *Throttle) {
	start, end := 0, len(t.routes)
	if th != nil {
		start = th.StartIndex
		end = start + th.MaxLoop
		if th.MaxLoop <= 0 || end >= len(t.routes) {
			end = len(t.routes)
			th.NextIndex = 0
		} else {
			th.NextIndex = end
		}
	}
	for i := start; i < end; i++ {
		fn(id.MakeRouteID(i, 1))
	}
}
