// Package feed provides the in-memory fanout behind the store's change
// feeds. One Bus carries the change events of one collection.
package feed

import (
	"sync"
	"sync/atomic"
)

// Bus is a simple in-memory fanout.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure); consumers
//     that need strong convergence must reconcile periodically.
//
// It intentionally does not own any background goroutines.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]chan T
	closed bool
	seq    atomic.Uint64
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: map[uint64]chan T{}}
}

func (b *Bus[T]) Publish(v T) {
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	chs := make([]chan T, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- v:
			default:
			}
		}()
	}
}

// Subscribe registers a buffered subscriber channel. The channel is closed
// by unsubscribe or by Close; a closed channel is how consumers observe
// feed loss.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.seq.Add(1)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			_, live := b.subs[id]
			delete(b.subs, id)
			b.mu.Unlock()
			if live {
				// Closing is safe because Publish recovers from send panics.
				close(ch)
			}
		})
	}
	return ch, unsub
}

// Close drops and closes every subscriber channel. Publish becomes a no-op.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	chs := b.subs
	b.subs = map[uint64]chan T{}
	b.mu.Unlock()

	for _, ch := range chs {
		close(ch)
	}
}
