// Package bus carries decoded order events from the stream goroutine to the
// control loop, so all ledger and state mutation happens on one logical
// owner and ordering stays deterministic.
package bus

import (
	"context"
	"sync/atomic"

	"github.com/yanun0323/errors"

	"github.com/bitwii/standx-maker-hedger/internal/model"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Queue is a bounded order-event queue.
type Queue struct {
	ch     chan model.OrderEvent
	done   chan struct{}
	closed uint32
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan model.OrderEvent, capacity),
		done: make(chan struct{}),
	}
}

// Publish enqueues an event, blocking while the queue is full. Concurrent
// fills queue rather than drop; losing an event here would orphan exposure.
// A publisher blocked on a full queue is released by Close.
func (q *Queue) Publish(ctx context.Context, e model.OrderEvent) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- e:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublish enqueues an event without blocking.
func (q *Queue) TryPublish(e model.OrderEvent) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain hands every currently buffered event to handler and returns the
// number handled. The control loop calls it at the top of each tick. Events
// buffered before Close still drain.
func (q *Queue) Drain(handler func(model.OrderEvent)) int {
	n := 0
	for {
		select {
		case e := <-q.ch:
			handler(e)
			n++
		default:
			return n
		}
	}
}

// Close stops the queue from accepting new events. The event channel itself
// is never closed, so a racing Publish can never panic on it.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.done)
	}
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	return len(q.ch)
}
