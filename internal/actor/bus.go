package actor

import "sync"

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Bus fans values out to subscribers on its own goroutine, preserving
// publish order. Handlers may call back into the publisher.
type Bus[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber[T]
	q      *Queue
}

// NewBus starts a bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{q: NewQueue()}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish queues v for delivery to the current subscribers.
func (b *Bus[T]) Publish(v T) {
	b.q.Submit(func() {
		b.mu.Lock()
		subs := make([]subscriber[T], len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, s := range subs {
			s.fn(v)
		}
	})
}

// Close delivers what is already queued and stops the bus.
func (b *Bus[T]) Close() {
	b.q.Stop()
}

// Done is closed after the last delivery.
func (b *Bus[T]) Done() <-chan struct{} {
	return b.q.Done()
}
