// Package emitter provides a small typed publish/subscribe primitive.
//
// Listeners are keyed by event name and invoked synchronously by Emit, in
// registration order, outside the emitter's lock (a listener may call back
// into the emitter). An emitter can be paused, which buffers emits until
// Resume, and destroyed, after which it is inert.
package emitter

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Listener receives the payload of one emitted event.
type Listener[T any] func(payload T)

type entry[T any] struct {
	id    uint64
	fn    Listener[T]
	once  bool
	fired atomic.Bool
}

type pending[T any] struct {
	event   string
	payload T
}

// Emitter is a typed event bus. The zero value is not usable; use New.
type Emitter[T any] struct {
	mu        sync.Mutex
	listeners map[string][]*entry[T]
	nextID    uint64
	paused    bool
	buffered  []pending[T]
	destroyed bool
	name      string
}

// New creates an emitter. name is only used in log output.
func New[T any](name string) *Emitter[T] {
	return &Emitter[T]{
		listeners: make(map[string][]*entry[T]),
		name:      name,
	}
}

// On registers fn for event and returns a function that removes it.
// Calling off more than once is harmless.
func (e *Emitter[T]) On(event string, fn Listener[T]) (off func()) {
	return e.add(event, fn, false)
}

// Once registers fn to run for the next emit of event only.
func (e *Emitter[T]) Once(event string, fn Listener[T]) (off func()) {
	return e.add(event, fn, true)
}

func (e *Emitter[T]) add(event string, fn Listener[T], once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return func() {}
	}

	e.nextID++
	ent := &entry[T]{id: e.nextID, fn: fn, once: once}
	e.listeners[event] = append(e.listeners[event], ent)

	return func() { e.remove(event, ent.id) }
}

func (e *Emitter[T]) remove(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.listeners[event]
	for i, ent := range list {
		if ent.id == id {
			next := make([]*entry[T], 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(e.listeners, event)
			} else {
				e.listeners[event] = next
			}
			return
		}
	}
}

// Emit delivers payload to every listener of event. While paused the emit is
// buffered instead. Emit on a destroyed emitter does nothing.
func (e *Emitter[T]) Emit(event string, payload T) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	if e.paused {
		e.buffered = append(e.buffered, pending[T]{event: event, payload: payload})
		e.mu.Unlock()
		return
	}
	list := e.listeners[event]
	e.mu.Unlock()

	e.deliver(event, list, payload)
}

func (e *Emitter[T]) deliver(event string, list []*entry[T], payload T) {
	for _, ent := range list {
		if ent.once {
			// Concurrent emits race for a once listener; only one wins.
			if !ent.fired.CompareAndSwap(false, true) {
				continue
			}
			e.remove(event, ent.id)
		}
		ent.fn(payload)
	}
}

// Pause buffers subsequent emits until Resume.
func (e *Emitter[T]) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.destroyed {
		e.paused = true
	}
}

// Resume delivers buffered emits in order and returns to direct delivery.
func (e *Emitter[T]) Resume() {
	for {
		e.mu.Lock()
		if e.destroyed || !e.paused {
			e.mu.Unlock()
			return
		}
		if len(e.buffered) == 0 {
			e.paused = false
			e.mu.Unlock()
			return
		}
		next := e.buffered[0]
		e.buffered[0] = pending[T]{}
		e.buffered = e.buffered[1:]
		list := e.listeners[next.event]
		e.mu.Unlock()

		e.deliver(next.event, list, next.payload)
	}
}

// Paused reports whether emits are currently buffered.
func (e *Emitter[T]) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Destroy drops every listener and buffered emit. It is idempotent.
func (e *Emitter[T]) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return
	}
	e.destroyed = true
	dropped := len(e.buffered)
	e.listeners = make(map[string][]*entry[T])
	e.buffered = nil
	e.paused = false

	if dropped > 0 {
		slog.Debug("emitter destroyed with buffered events",
			"emitter", e.name,
			"dropped", dropped)
	}
}

// Destroyed reports whether Destroy has been called.
func (e *Emitter[T]) Destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

// ListenerCount returns the number of listeners registered for event.
func (e *Emitter[T]) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}
