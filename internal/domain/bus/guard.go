package bus

import "github.com/GriffinCanCode/flightbus/internal/shared/id"

// recurseGuard holds one 8-bit stop mask per task slot. A set bit means the
// task is already inside the send path for that event category.
type recurseGuard struct {
	flags []uint8
}

func newRecurseGuard(maxTasks int) recurseGuard {
	return recurseGuard{flags: make([]uint8, maxTasks)}
}

func (g *recurseGuard) request(task id.TaskID, bit int) bool {
	if bit < 0 {
		return true
	}
	if bit > 7 || !task.IsValid() || task.Index() >= len(g.flags) {
		return false
	}
	mask := uint8(1) << bit
	if g.flags[task.Index()]&mask != 0 {
		return false
	}
	g.flags[task.Index()] |= mask
	return true
}

func (g *recurseGuard) finish(task id.TaskID, bit int) {
	if bit < 0 || bit > 7 || !task.IsValid() || task.Index() >= len(g.flags) {
		return
	}
	g.flags[task.Index()] &^= uint8(1) << bit
}

// RequestToSendEvent claims the guard bit for task. It returns false when
// the task is already reporting an event of the same category. A negative
// bit is always granted.
func (b *Bus) RequestToSendEvent(task id.TaskID, bit int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.guard.request(task, bit)
}

// FinishSendEvent releases a bit claimed by RequestToSendEvent
func (b *Bus) FinishSendEvent(task id.TaskID, bit int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.guard.finish(task, bit)
}
