/*
Package osal is the operating-system abstraction the bus runs on.

It provides the two primitives the bus core treats as external collaborators:

# Queues

Queue is a bounded FIFO with three wait policies (Poll, Pend, timed via
Millis/After). Timed waits use an injected clock so tests can drive them.

	q, _ := osal.NewQueue[int]("cmd", 4, nil)
	_ = q.Put(ctx, 1, osal.Poll)
	v, err := q.Get(ctx, osal.Millis(100))

# Memory pool

MemPool carves byte blocks from a fixed budget using size classes and
recycles freed blocks per class. It never grows past its capacity.
*/
package osal
