// Package push fans snapshots out to connected viewers.
package push

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// Hub delivers published values to every subscriber. Each subscriber has a
// one slot buffer: a slow subscriber only ever sees the most recent value,
// and Publish never blocks on delivery.
type Hub[T any] struct {
	mu          sync.Mutex
	subscribers map[string]chan T
	latest      *T
	closed      bool
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subscribers: make(map[string]chan T)}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a subscriber. If a value has already been published the
// channel starts with it buffered. The channel is closed by Unsubscribe or
// Close.
func (h *Hub[T]) Subscribe() (string, <-chan T) {
	id := randomID()
	ch := make(chan T, 1)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	if h.latest != nil {
		ch <- *h.latest
	}
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub[T]) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Publish sends v to every subscriber, replacing any value still waiting in
// a subscriber's buffer.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.latest = &v
	for _, ch := range h.subscribers {
		select {
		case ch <- v:
			continue
		default:
		}
		// Drop the stale value. Only Publish sends, and it holds h.mu, so
		// the slot is free after the drain.
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

// Latest returns the most recently published value.
func (h *Hub[T]) Latest() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		var zero T
		return zero, false
	}
	return *h.latest, true
}

// Len returns the number of subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
