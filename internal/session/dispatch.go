// Package session wires a transport, the command driver, the decode engine,
// optional raw recording, and the biometric extractors into one streaming
// session with typed subscriptions per data category.
package session

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// Subscription is a typed handle on one data category. Consumers range over
// C until it closes at session teardown, or call Cancel earlier.
type Subscription[T any] struct {
	id string
	ch chan T
	d  *dispatcher[T]
}

// C returns the receive channel for this subscription.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Cancel removes the subscription and closes its channel. Safe to call
// while a consumer is still ranging over C.
func (s *Subscription[T]) Cancel() { s.d.unsubscribe(s.id) }

// dispatcher fans one category out to its subscribers over bounded queues.
//
// Drop policy: publish never blocks the producer. When a subscriber's queue
// is full the oldest pending item is dropped to make room for the new one,
// so a slow consumer sees the freshest data and can never stall
// notification delivery.
type dispatcher[T any] struct {
	mu      sync.Mutex
	subs    map[string]chan T
	closed  bool
	dropped uint64
}

func newDispatcher[T any]() *dispatcher[T] {
	return &dispatcher[T]{subs: make(map[string]chan T)}
}

// randomID generates a subscription ID (8 random bytes, hex encoded).
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (d *dispatcher[T]) subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = 16
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := randomID()
	ch := make(chan T, buffer)
	if d.closed {
		close(ch)
		return &Subscription[T]{id: id, ch: ch, d: d}
	}
	d.subs[id] = ch
	return &Subscription[T]{id: id, ch: ch, d: d}
}

func (d *dispatcher[T]) unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subs[id]; ok {
		close(ch)
		delete(d.subs, id)
	}
}

func (d *dispatcher[T]) publish(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// Queue full: evict the oldest pending item, then try once more.
		select {
		case <-ch:
			d.dropped++
		default:
		}
		select {
		case ch <- v:
		default:
			d.dropped++
		}
	}
}

func (d *dispatcher[T]) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, ch := range d.subs {
		close(ch)
		delete(d.subs, id)
	}
}

func (d *dispatcher[T]) droppedCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}
