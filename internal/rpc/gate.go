// Package rpc gates calls to a target that becomes available asynchronously.
//
// A Handle holds the current target of a remote context (nil until that
// context finishes starting) together with a readiness emitter. A Gate over
// the handle turns every call into a Future:
//
//   - target present and nothing queued: the call runs synchronously, before
//     Call returns, and the future is already settled;
//   - otherwise the call is queued. When "ready" fires the target is checked
//     again; if it is still missing every queued call is rejected with a
//     *ReadinessError, else the queue drains in strict submission order.
//     Calls arriving during a drain queue behind it, and stay queued if the
//     target is cleared before they run.
//
// Concrete proxies implement one method per remote operation on top of Call.
package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/mirror/internal/emitter"
)

// EventReady is the readiness event name.
const EventReady = "ready"

var (
	// ErrNotCallable is returned by Gate.Target in strict mode when the
	// target is not available yet.
	ErrNotCallable = errors.New("rpc: target member accessed before readiness")

	// ErrGateClosed rejects calls still queued when a gate is closed.
	ErrGateClosed = errors.New("rpc: gate closed")
)

// ReadinessError reports that "ready" fired while the target was missing.
// Every call pending at that moment is rejected with it.
type ReadinessError struct {
	Gate   string
	Method string
}

func (e *ReadinessError) Error() string {
	return fmt.Sprintf("rpc %s.%s: marked ready but target missing", e.Gate, e.Method)
}

// IsReadinessError returns true if err is or wraps a *ReadinessError.
func IsReadinessError(err error) bool {
	var re *ReadinessError
	return errors.As(err, &re)
}

// Handle is the per-application cell holding a remote context's target.
type Handle[T any] struct {
	name string

	mu      sync.RWMutex
	current T
	present bool

	ready *emitter.Emitter[struct{}]
}

// NewHandle creates an empty handle.
func NewHandle[T any](name string) *Handle[T] {
	return &Handle[T]{
		name:  name,
		ready: emitter.New[struct{}](name + ".ready"),
	}
}

// Name returns the handle label.
func (h *Handle[T]) Name() string { return h.name }

// Set assigns the target and then fires "ready".
func (h *Handle[T]) Set(t T) {
	h.mu.Lock()
	h.current = t
	h.present = true
	h.mu.Unlock()

	slog.Debug("rpc target ready", "handle", h.name)
	h.ready.Emit(EventReady, struct{}{})
}

// Get returns the target if one is assigned.
func (h *Handle[T]) Get() (T, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current, h.present
}

// Clear drops the target. Calls made afterwards queue until the next Set.
func (h *Handle[T]) Clear() {
	h.mu.Lock()
	var zero T
	h.current = zero
	h.present = false
	h.mu.Unlock()

	slog.Debug("rpc target cleared", "handle", h.name)
}

// Ready returns the readiness emitter.
func (h *Handle[T]) Ready() *emitter.Emitter[struct{}] {
	return h.ready
}

// Gate returns a gate over this handle.
func (h *Handle[T]) Gate(opts ...Option) *Gate[T] {
	opts = append([]Option{WithName(h.name)}, opts...)
	return NewGate(h.Get, h.ready, opts...)
}

// Option configures a Gate.
type Option func(*gateOptions)

type gateOptions struct {
	name   string
	strict bool
}

// WithName labels the gate in logs and errors.
func WithName(name string) Option {
	return func(o *gateOptions) { o.name = name }
}

// Strict makes Gate.Target fail with ErrNotCallable before readiness instead
// of logging a warning.
func Strict() Option {
	return func(o *gateOptions) { o.strict = true }
}

type queuedCall[T any] struct {
	method string
	invoke func(target T)
	reject func(err error)
}

// Gate queues calls until its target is ready.
type Gate[T any] struct {
	name   string
	strict bool
	get    func() (T, bool)
	off    func()

	mu       sync.Mutex
	queue    []queuedCall[T]
	draining bool
	closed   bool
}

// NewGate creates a gate over get, draining when ready emits EventReady.
func NewGate[T any](get func() (T, bool), ready *emitter.Emitter[struct{}], opts ...Option) *Gate[T] {
	o := gateOptions{name: "gate"}
	for _, opt := range opts {
		opt(&o)
	}
	g := &Gate[T]{name: o.name, strict: o.strict, get: get}
	g.off = ready.On(EventReady, func(struct{}) { g.drain() })
	return g
}

// Call invokes fn against the target, now or once it is ready.
func Call[T, R any](g *Gate[T], method string, fn func(target T) (R, error)) *Future[R] {
	f := newFuture[R]()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		f.reject(ErrGateClosed)
		return f
	}
	if len(g.queue) == 0 && !g.draining {
		if t, ok := g.get(); ok {
			g.mu.Unlock()
			f.settle(fn(t))
			return f
		}
	}
	g.queue = append(g.queue, queuedCall[T]{
		method: method,
		invoke: func(t T) { f.settle(fn(t)) },
		reject: f.reject,
	})
	depth := len(g.queue)
	g.mu.Unlock()

	slog.Debug("rpc call queued", "gate", g.name, "method", method, "depth", depth)
	return f
}

// drain runs queued calls in order. Only one drain loop runs at a time;
// a ready event during a drain is absorbed by the running loop.
//
// Only the check made right after "ready" can reject. A target cleared
// while an earlier batch was running leaves the remaining calls queued for
// the next "ready".
func (g *Gate[T]) drain() {
	g.mu.Lock()
	if g.draining || g.closed {
		g.mu.Unlock()
		return
	}
	g.draining = true
	g.mu.Unlock()

	for first := true; ; first = false {
		g.mu.Lock()
		if len(g.queue) == 0 {
			g.draining = false
			g.mu.Unlock()
			return
		}
		batch := g.queue
		g.queue = nil
		target, ok := g.get()
		if !ok && !first {
			g.queue = batch
			g.draining = false
			g.mu.Unlock()
			slog.Debug("rpc target cleared during drain", "gate", g.name, "queued", len(batch))
			return
		}
		g.mu.Unlock()

		if !ok {
			slog.Error("rpc gate marked ready but target missing",
				"gate", g.name,
				"rejected", len(batch))
			g.mu.Lock()
			g.draining = false
			g.mu.Unlock()
			for _, c := range batch {
				c.reject(&ReadinessError{Gate: g.name, Method: c.method})
			}
			return
		}

		slog.Debug("rpc gate draining", "gate", g.name, "calls", len(batch))
		for _, c := range batch {
			c.invoke(target)
		}
	}
}

// Target returns the target for non-call access. Before readiness a strict
// gate returns ErrNotCallable; a lenient gate logs a warning and returns the
// zero value.
func (g *Gate[T]) Target() (T, error) {
	t, ok := g.get()
	if ok {
		return t, nil
	}
	if g.strict {
		return t, ErrNotCallable
	}
	slog.Warn("rpc target accessed before readiness", "gate", g.name)
	return t, nil
}

// Pending returns the number of queued calls.
func (g *Gate[T]) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Close detaches the gate from its readiness emitter and rejects every
// queued call with ErrGateClosed. Later calls reject immediately.
func (g *Gate[T]) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	batch := g.queue
	g.queue = nil
	g.mu.Unlock()

	g.off()
	for _, c := range batch {
		c.reject(ErrGateClosed)
	}
}
