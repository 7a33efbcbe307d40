package broadcast

import (
	"errors"
	"sync"
)

// ErrClosed is returned when publishing or subscribing on a closed medium
// or adapter.
var ErrClosed = errors.New("broadcast: closed")

// Medium is a same-origin fan-out channel shared by sibling contexts.
//
// Delivery is best-effort: a subscriber that is closed, or that subscribes
// after a message was published, misses it. A medium delivers every message
// to every subscriber of the channel, including subscribers owned by the
// publisher; filtering self-originated echoes is the adapter's job.
type Medium interface {
	Publish(channel string, data []byte) error
	Subscribe(channel string, fn func(data []byte)) (cancel func(), err error)
	Close() error
}

// Hub is an in-process Medium. Publish delivers synchronously, in
// subscription order, on the publishing goroutine.
type Hub struct {
	mu     sync.Mutex
	subs   map[string][]*hubSub
	nextID uint64
	closed bool
}

type hubSub struct {
	id uint64
	fn func([]byte)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]*hubSub)}
}

// Publish delivers a copy of data to every subscriber of channel.
func (h *Hub) Publish(channel string, data []byte) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	subs := h.subs[channel]
	h.mu.Unlock()

	for _, s := range subs {
		buf := make([]byte, len(data))
		copy(buf, data)
		s.fn(buf)
	}
	return nil
}

// Subscribe registers fn for channel.
func (h *Hub) Subscribe(channel string, fn func([]byte)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	h.nextID++
	sub := &hubSub{id: h.nextID, fn: fn}
	h.subs[channel] = append(h.subs[channel], sub)

	return func() { h.unsubscribe(channel, sub.id) }, nil
}

func (h *Hub) unsubscribe(channel string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.subs[channel]
	for i, s := range list {
		if s.id != id {
			continue
		}
		next := make([]*hubSub, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(h.subs, channel)
		} else {
			h.subs[channel] = next
		}
		return
	}
}

// Subscribers returns the number of subscribers on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[channel])
}

// Close drops every subscriber. Later publishes fail with ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = make(map[string][]*hubSub)
	return nil
}
