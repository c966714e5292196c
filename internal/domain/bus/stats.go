package bus

import (
	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/GriffinCanCode/flightbus/internal/domain/router"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
)

// Stats holds the bus housekeeping counters and resource usage
type Stats struct {
	NoSubscribers          uint32 `json:"no_subscribers"`
	MsgSendErrors          uint32 `json:"msg_send_errors"`
	MsgReceiveErrors       uint32 `json:"msg_receive_errors"`
	InternalErrors         uint32 `json:"internal_errors"`
	CreatePipeErrors       uint32 `json:"create_pipe_errors"`
	SubscribeErrors        uint32 `json:"subscribe_errors"`
	PipeOptsErrors         uint32 `json:"pipe_opts_errors"`
	DuplicateSubscriptions uint32 `json:"duplicate_subscriptions"`
	PipeOverflowErrors     uint32 `json:"pipe_overflow_errors"`
	MsgLimitErrors         uint32 `json:"msg_limit_errors"`

	PipesInUse             int `json:"pipes_in_use"`
	PeakPipesInUse         int `json:"peak_pipes_in_use"`
	MsgIDsInUse            int `json:"msg_ids_in_use"`
	PeakMsgIDsInUse        int `json:"peak_msg_ids_in_use"`
	SubscriptionsInUse     int `json:"subscriptions_in_use"`
	PeakSubscriptionsInUse int `json:"peak_subscriptions_in_use"`
	BuffersInUse           int `json:"buffers_in_use"`
	PeakBuffersInUse       int `json:"peak_buffers_in_use"`
	MemInUse               int `json:"mem_in_use"`
	PeakMemInUse           int `json:"peak_mem_in_use"`
	MemPoolCapacity        int `json:"mem_pool_capacity"`
	PoolAllocErrors        int `json:"pool_alloc_errors"`
	InTransit              int `json:"in_transit"`
	ZeroCopyIssued         int `json:"zero_copy_issued"`
}

// Stats returns a snapshot of the housekeeping counters
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.InTransit = b.bufs.count(listInTransit)
	s.ZeroCopyIssued = b.bufs.count(listZeroCopy)
	s.PoolAllocErrors = b.pool.Stats().AllocErrors
	return s
}

// ResetCounters zeroes the error counters. Usage figures are kept.
func (b *Bus) ResetCounters() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.NoSubscribers = 0
	b.stats.MsgSendErrors = 0
	b.stats.MsgReceiveErrors = 0
	b.stats.InternalErrors = 0
	b.stats.CreatePipeErrors = 0
	b.stats.SubscribeErrors = 0
	b.stats.PipeOptsErrors = 0
	b.stats.DuplicateSubscriptions = 0
	b.stats.PipeOverflowErrors = 0
	b.stats.MsgLimitErrors = 0
}

// DestInfo is a snapshot of one route destination
type DestInfo struct {
	PipeID    id.PipeID    `json:"pipe_id"`
	PipeName  string       `json:"pipe_name"`
	MsgLimit  int          `json:"msg_limit"`
	BuffCount int          `json:"buff_count"`
	Active    bool         `json:"active"`
	Scope     router.Scope `json:"scope"`
}

// RouteInfo is a snapshot of one route
type RouteInfo struct {
	RouteID      id.RouteID `json:"route_id"`
	MsgID        msg.ID     `json:"msg_id"`
	Sequence     uint32     `json:"sequence"`
	Destinations []DestInfo `json:"destinations"`
}

// Routes returns snapshots of the routing table. With a throttle only one
// window of the table is returned and th.NextIndex tells the caller where
// to resume; NextIndex is zero once the walk is complete.
func (b *Bus) Routes(th *router.Throttle) []RouteInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []RouteInfo
	b.routes.ForEachRoute(func(rid id.RouteID) {
		ri := RouteInfo{
			RouteID:  rid,
			MsgID:    b.routes.MsgID(rid),
			Sequence: b.routes.Sequence(rid),
		}
		for d := range b.routes.Destinations(rid) {
			ri.Destinations = append(ri.Destinations, DestInfo{
				PipeID:    d.PipeID,
				PipeName:  b.pipeName(d.PipeID),
				MsgLimit:  d.MsgLimit,
				BuffCount: d.BuffCount,
				Active:    d.Active,
				Scope:     d.Scope,
			})
		}
		out = append(out, ri)
	}, th)
	return out
}
