// Package events provides a non-blocking broadcast bus. The realtime
// manager publishes its typed events (mode changes, data updates) to a
// Bus, and consumers such as the operator API's SSE stream subscribe to
// it. Publishing on a nil *Bus is a no-op so components do not need
// guard checks.
package events

import "sync"

// Bus broadcasts values of type T to every subscriber. Subscribers
// receive on buffered channels; a full subscriber misses the value
// rather than blocking the publisher.
type Bus[T any] struct {
	mu   sync.RWMutex
	subs map[chan T]struct{}
	// recvToSend maps the receive-only channel handed to callers back
	// to the channel stored in subs, so Unsubscribe can take <-chan T.
	recvToSend map[<-chan T]chan T
}

// New creates a bus ready for use.
func New[T any]() *Bus[T] {
	return &Bus[T]{
		subs:       make(map[chan T]struct{}),
		recvToSend: make(map[<-chan T]chan T),
	}
}

// Publish sends v to all subscribers without blocking.
func (b *Bus[T]) Publish(v T) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribe returns a channel that receives published values. The
// caller must call Unsubscribe when done.
func (b *Bus[T]) Subscribe(bufSize int) <-chan T {
	ch := make(chan T, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// or already removed channels are ignored.
func (b *Bus[T]) Unsubscribe(ch <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
