package osal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
)

var (
	ErrQueueFull      = errors.New("osal: queue full")
	ErrQueueEmpty     = errors.New("osal: queue empty")
	ErrQueueTimeout   = errors.New("osal: queue timeout")
	ErrQueueClosed    = errors.New("osal: queue closed")
	ErrInvalidDepth   = errors.New("osal: invalid queue depth")
	ErrInvalidTimeout = errors.New("osal: invalid timeout")
)

// MaxQueueDepth bounds the depth of any single queue
const MaxQueueDepth = 1024

// Queue is a bounded FIFO of T. Put and Get are safe for concurrent use.
// Close never closes the data channel; a Put racing with Close either lands
// before Close returns or fails with ErrQueueClosed.
type Queue[T any] struct {
	name    string
	ch      chan T
	done    chan struct{}
	once    sync.Once
	putters sync.RWMutex
	clk     clock.Clock
}

// NewQueue creates a queue holding at most depth items
func NewQueue[T any](name string, depth int, clk clock.Clock) (*Queue[T], error) {
	if depth <= 0 || depth > MaxQueueDepth {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDepth, depth)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Queue[T]{
		name: name,
		ch:   make(chan T, depth),
		done: make(chan struct{}),
		clk:  clk,
	}, nil
}

// Name returns the queue name
func (q *Queue[T]) Name() string { return q.name }

// Len returns the number of queued items
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the queue depth
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Put enqueues v according to the wait policy.
// Full returns ErrQueueFull for poll and ErrQueueTimeout once a timed wait
// expires. Context cancellation is reported as a timeout.
func (q *Queue[T]) Put(ctx context.Context, v T, to Timeout) error {
	if err := to.Validate(); err != nil {
		return err
	}

	q.putters.RLock()
	defer q.putters.RUnlock()

	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	switch to.Mode {
	case ModePoll:
		select {
		case q.ch <- v:
			return nil
		default:
			return ErrQueueFull
		}
	case ModePend:
		select {
		case q.ch <- v:
			return nil
		case <-q.done:
			return ErrQueueClosed
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrQueueTimeout, ctx.Err())
		}
	default:
		timer := q.clk.Timer(to.Duration)
		defer timer.Stop()
		select {
		case q.ch <- v:
			return nil
		case <-q.done:
			return ErrQueueClosed
		case <-timer.C:
			return ErrQueueTimeout
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrQueueTimeout, ctx.Err())
		}
	}
}

// Get dequeues one item according to the wait policy.
// An empty queue returns ErrQueueEmpty for poll and ErrQueueTimeout once a
// timed wait expires. Items still queued after Close remain readable.
func (q *Queue[T]) Get(ctx context.Context, to Timeout) (T, error) {
	var zero T
	if err := to.Validate(); err != nil {
		return zero, err
	}

	select {
	case v := <-q.ch:
		return v, nil
	default:
	}

	switch to.Mode {
	case ModePoll:
		select {
		case <-q.done:
			return zero, ErrQueueClosed
		default:
			return zero, ErrQueueEmpty
		}
	case ModePend:
		select {
		case v := <-q.ch:
			return v, nil
		case <-q.done:
			return zero, ErrQueueClosed
		case <-ctx.Done():
			return zero, fmt.Errorf("%w: %w", ErrQueueTimeout, ctx.Err())
		}
	default:
		timer := q.clk.Timer(to.Duration)
		defer timer.Stop()
		select {
		case v := <-q.ch:
			return v, nil
		case <-q.done:
			return zero, ErrQueueClosed
		case <-timer.C:
			return zero, ErrQueueTimeout
		case <-ctx.Done():
			return zero, fmt.Errorf("%w: %w", ErrQueueTimeout, ctx.Err())
		}
	}
}

// Drain removes and returns every queued item without blocking
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		select {
		case v := <-q.ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

// Close wakes all blocked callers with ErrQueueClosed and waits for
// in-flight Puts to finish, so a Drain after Close sees every item that
// will ever be enqueued. Repeated calls are no-ops.
func (q *Queue[T]) Close() {
	q.once.Do(func() {
		close(q.done)
		q.putters.Lock()
		q.putters.Unlock()
	})
}
