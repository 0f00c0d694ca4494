// Package actor provides the per-session serialization primitives: an
// unbounded FIFO mailbox drained by a single goroutine and an observer bus
// built on top of it.
package actor

import "sync"

// Queue runs submitted functions one at a time, in submission order, on a
// single goroutine. Submit never blocks.
type Queue struct {
	mu      sync.Mutex
	items   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// NewQueue starts the queue goroutine.
func NewQueue() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit enqueues fn. It reports false once Stop has been called.
func (q *Queue) Submit(fn func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
	q.signal()
	return true
}

// Stop rejects further submissions. Functions already queued still run,
// after which the goroutine exits. Safe to call from a queued function.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.signal()
}

// Done is closed once the queue goroutine has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of functions waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				stopped := q.stopped
				q.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			fn := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()

			fn()
		}
	}
}
