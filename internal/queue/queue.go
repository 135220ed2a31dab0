// Package queue provides the bounded FIFO used between the demux driver,
// track decode workers and frame consumers. Blocking calls take a context so
// that a stop or seek can interrupt a worker parked on a full or empty queue.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Push on a closed queue and by Pop once a closed
// queue has been drained.
var ErrClosed = errors.New("queue: closed")

// Queue is a bounded FIFO safe for concurrent producers and consumers.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	count   int
	closed  bool
	changed chan struct{}
	blocked chan struct{}
	waiting int
	release func(T)
}

// New returns an open queue holding at most size items.
func New[T any](size int) *Queue[T] {
	if size < 1 {
		size = 1
	}
	return &Queue[T]{
		items:   make([]T, size),
		changed: make(chan struct{}),
		blocked: make(chan struct{}),
	}
}

// OnDiscard registers a callback invoked for every item removed by Clear.
func (q *Queue[T]) OnDiscard(fn func(T)) {
	q.mu.Lock()
	q.release = fn
	q.mu.Unlock()
}

// notifyLocked wakes every goroutine waiting on a state change.
func (q *Queue[T]) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// notifyBlockedLocked wakes WaitForConsumerToBlock only; consumers never
// wait on it.
func (q *Queue[T]) notifyBlockedLocked() {
	close(q.blocked)
	q.blocked = make(chan struct{})
}

// Push appends v, blocking while the queue is full.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.count < len(q.items) {
			q.items[(q.head+q.count)%len(q.items)] = v
			q.count++
			q.notifyLocked()
			q.mu.Unlock()
			return nil
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryPush appends v unless the queue is full or closed.
func (q *Queue[T]) TryPush(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.count == len(q.items) {
		return false
	}
	q.items[(q.head+q.count)%len(q.items)] = v
	q.count++
	q.notifyLocked()
	return true
}

// Pop removes the oldest item, blocking while the queue is empty and open.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.count > 0 {
			v := q.popLocked()
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		q.waiting++
		q.notifyBlockedLocked()
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
		}

		q.mu.Lock()
		q.waiting--
		q.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return zero, err
		}
	}
}

// TryPop removes the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

func (q *Queue[T]) popLocked() T {
	var zero T
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.count--
	q.notifyLocked()
	return v
}

// Peek returns the oldest item without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.items[q.head], true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the maximum number of items.
func (q *Queue[T]) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// SetMaxSize resizes the queue, keeping the newest items when shrinking.
func (q *Queue[T]) SetMaxSize(size int) {
	if size < 1 {
		size = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]T, size)
	drop := q.count - size
	n := 0
	for i := 0; i < q.count; i++ {
		v := q.items[(q.head+i)%len(q.items)]
		if i < drop {
			if q.release != nil {
				q.release(v)
			}
			continue
		}
		items[n] = v
		n++
	}
	q.items = items
	q.head = 0
	q.count = n
	q.notifyLocked()
}

// Clear discards every queued item and returns how many were removed.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.count
	var zero T
	for i := 0; i < n; i++ {
		idx := (q.head + i) % len(q.items)
		if q.release != nil {
			q.release(q.items[idx])
		}
		q.items[idx] = zero
	}
	q.head = 0
	q.count = 0
	if n > 0 {
		q.notifyLocked()
	}
	return n
}

// Close wakes every waiter; further pushes fail and pops drain what is left.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notifyLocked()
}

// Open re-enables a closed queue.
func (q *Queue[T]) Open() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		return
	}
	q.closed = false
	q.notifyLocked()
}

// IsClosed reports whether Close has been called since the last Open.
func (q *Queue[T]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// WaitForConsumerToBlock waits up to timeout for a consumer to park in Pop
// on an empty queue and reports whether one did.
func (q *Queue[T]) WaitForConsumerToBlock(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if q.waiting > 0 && q.count == 0 {
			q.mu.Unlock()
			return true
		}
		ch, blocked := q.changed, q.blocked
		q.mu.Unlock()

		select {
		case <-ch:
		case <-blocked:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
