package bus

import (
	"fmt"
	"sync/atomic"

	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
)

// maxUseCount bounds a descriptor's reference count
const maxUseCount = 0x7FFF

// ============================================================================
// Descriptor Arena
// ============================================================================

type listTag uint8

const (
	listNone listTag = iota
	listInTransit
	listZeroCopy
	numLists
)

func (l listTag) String() string {
	switch l {
	case listInTransit:
		return "in-transit"
	case listZeroCopy:
		return "zero-copy"
	default:
		return "none"
	}
}

const nilSlot int32 = -1

// bufHandle names a descriptor slot at a specific generation. It is the
// value carried through pipe queues.
type bufHandle struct {
	slot int32
	gen  uint32
}

// descriptor wraps one pooled message block. All fields are guarded by the
// bus lock.
type descriptor struct {
	gen      uint32
	inUse    bool
	list     listTag
	prev     int32
	next     int32
	owner    id.AppID
	routeID  id.RouteID
	msgID    msg.ID
	block    []byte
	size     int
	useCount int32
}

type listHead struct {
	first int32
	last  int32
	n     int
}

// bufferArena owns every descriptor. Freed slots bump their generation so
// handles to them stop resolving.
type bufferArena struct {
	slots []descriptor
	free  []int32
	lists [numLists]listHead
}

func newBufferArena() bufferArena {
	a := bufferArena{}
	a.reset()
	return a
}

// reset empties every tracking list
func (a *bufferArena) reset() {
	for i := range a.lists {
		a.lists[i] = listHead{first: nilSlot, last: nilSlot}
	}
}

func (a *bufferArena) get(h bufHandle) *descriptor {
	if h.slot < 0 || int(h.slot) >= len(a.slots) {
		return nil
	}
	d := &a.slots[h.slot]
	if !d.inUse || d.gen != h.gen {
		return nil
	}
	return d
}

func (a *bufferArena) handle(slot int32) bufHandle {
	return bufHandle{slot: slot, gen: a.slots[slot].gen}
}

func (a *bufferArena) claim() int32 {
	if n := len(a.free); n > 0 {
		slot := a.free[n-1]
		a.free = a.free[:n-1]
		return slot
	}
	a.slots = append(a.slots, descriptor{})
	return int32(len(a.slots) - 1)
}

// add links slot at the tail of list l
func (a *bufferArena) add(l listTag, slot int32) {
	d := &a.slots[slot]
	if d.list != listNone {
		panic(fmt.Sprintf("bus: descriptor %d already on %s list", slot, d.list))
	}
	head := &a.lists[l]
	d.list = l
	d.prev = head.last
	d.next = nilSlot
	if head.last == nilSlot {
		head.first = slot
	} else {
		a.slots[head.last].next = slot
	}
	head.last = slot
	head.n++
}

// remove unlinks slot from whatever list holds it
func (a *bufferArena) remove(slot int32) {
	d := &a.slots[slot]
	if d.list == listNone {
		return
	}
	head := &a.lists[d.list]
	if d.prev == nilSlot {
		head.first = d.next
	} else {
		a.slots[d.prev].next = d.next
	}
	if d.next == nilSlot {
		head.last = d.prev
	} else {
		a.slots[d.next].prev = d.prev
	}
	head.n--
	d.list = listNone
	d.prev, d.next = nilSlot, nilSlot
}

// isEnd reports whether slot terminates an enumeration
func isEnd(slot int32) bool { return slot == nilSlot }

// each visits every descriptor on list l. fn may remove the visited slot.
func (a *bufferArena) each(l listTag, fn func(slot int32, d *descriptor)) {
	for slot := a.lists[l].first; !isEnd(slot); {
		next := a.slots[slot].next
		fn(slot, &a.slots[slot])
		slot = next
	}
}

func (a *bufferArena) count(l listTag) int { return a.lists[l].n }

// ============================================================================
// Pool Operations (bus lock held)
// ============================================================================

// allocLocked takes a block able to hold size bytes. The new descriptor has
// a use count of one and sits on no list.
func (b *Bus) allocLocked(size int) (bufHandle, error) {
	block, err := b.pool.Alloc(size)
	if err != nil {
		return bufHandle{}, fmt.Errorf("%w: %w", ErrBufferAlloc, err)
	}

	slot := b.bufs.claim()
	d := &b.bufs.slots[slot]
	*d = descriptor{
		gen:      d.gen + 1,
		inUse:    true,
		prev:     nilSlot,
		next:     nilSlot,
		block:    block,
		size:     size,
		useCount: 1,
	}

	b.stats.BuffersInUse++
	if b.stats.BuffersInUse > b.stats.PeakBuffersInUse {
		b.stats.PeakBuffersInUse = b.stats.BuffersInUse
	}
	b.stats.MemInUse += cap(block)
	if b.stats.MemInUse > b.stats.PeakMemInUse {
		b.stats.PeakMemInUse = b.stats.MemInUse
	}
	return b.bufs.handle(slot), nil
}

// releaseLocked returns a descriptor to the pool. The use count must
// already be zero.
func (b *Bus) releaseLocked(slot int32) {
	d := &b.bufs.slots[slot]
	if d.useCount != 0 {
		panic(fmt.Sprintf("bus: releasing descriptor %d with use count %d", slot, d.useCount))
	}
	b.bufs.remove(slot)
	if err := b.pool.Free(d.block); err != nil {
		panic(fmt.Sprintf("bus: pool rejected block: %v", err))
	}

	b.stats.BuffersInUse--
	b.stats.MemInUse -= cap(d.block)

	d.inUse = false
	d.block = nil
	d.owner = 0
	d.gen++
	b.bufs.free = append(b.bufs.free, slot)
}

func (b *Bus) incrUseLocked(h bufHandle) {
	d := b.bufs.get(h)
	if d == nil {
		panic("bus: increment on stale buffer handle")
	}
	if d.useCount >= maxUseCount {
		panic("bus: buffer use count overflow")
	}
	d.useCount++
}

// decrUseLocked drops one reference and returns the block to the pool when
// the last one goes.
func (b *Bus) decrUseLocked(h bufHandle) {
	d := b.bufs.get(h)
	if d == nil {
		panic("bus: decrement on stale buffer handle")
	}
	if d.useCount <= 0 {
		panic("bus: buffer use count underflow")
	}
	d.useCount--
	if d.useCount == 0 {
		b.releaseLocked(h.slot)
	}
}

// ============================================================================
// Buffer References
// ============================================================================

type bufferKind uint8

const (
	kindZeroCopy bufferKind = iota
	kindReceived
)

// Buffer is a reference to a pooled message. Each Buffer owns exactly one
// use count on its descriptor; Release gives it back. A zero-copy Buffer is
// writable until it is transmitted. A received Buffer is shared with every
// other destination of the same message and must be treated as read-only.
type Buffer struct {
	bus      *Bus
	h        bufHandle
	data     []byte
	msgID    msg.ID
	kind     bufferKind
	released atomic.Bool
}

// Bytes returns the message bytes
func (r *Buffer) Bytes() []byte { return r.data }

// Len returns the message length
func (r *Buffer) Len() int { return len(r.data) }

// MsgID returns the id the message was routed with
func (r *Buffer) MsgID() msg.ID { return r.msgID }

// Released reports whether this reference has been given up
func (r *Buffer) Released() bool { return r.released.Load() }

// UseCount returns the current use count of the underlying descriptor, or
// zero if it has been returned to the pool.
func (r *Buffer) UseCount() int {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	if d := r.bus.bufs.get(r.h); d != nil {
		return int(d.useCount)
	}
	return 0
}

// Release gives up this reference. Releasing twice returns
// ErrBufferReleased and leaves the count untouched. Releasing an unsent
// zero-copy buffer returns it to the pool.
func (r *Buffer) Release() error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	return r.bus.releaseRefLocked(r)
}

func (b *Bus) releaseRefLocked(r *Buffer) error {
	if !r.released.CompareAndSwap(false, true) {
		return ErrBufferReleased
	}
	d := b.bufs.get(r.h)
	if d == nil {
		return ErrBufferInvalid
	}
	if r.kind == kindZeroCopy {
		d.owner = 0
	}
	b.decrUseLocked(r.h)
	return nil
}
