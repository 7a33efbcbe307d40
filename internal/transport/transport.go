// Package transport connects two execution contexts with a reliable,
// ordered, possibly slow request/reply channel.
//
// Pipe returns two connected endpoints. Each endpoint registers named
// handlers and runs a single-reader loop (Run) that processes inbound
// requests strictly in arrival order, one at a time. Replies bypass the loop
// and resolve the waiting caller directly, so a handler may itself call the
// peer without deadlocking.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by calls on, or pending on, a closed endpoint.
var ErrClosed = errors.New("transport: endpoint closed")

// Handler processes one request body and returns the reply body.
type Handler func(ctx context.Context, body []byte) ([]byte, error)

// ConfigError reports a handler registration conflict.
type ConfigError struct {
	Endpoint string
	Method   string
	Message  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("transport %s: %s: %s", e.Endpoint, e.Method, e.Message)
}

// RemoteError is a failure reported by the peer: a handler error or a
// request for a method the peer does not handle.
type RemoteError struct {
	Method  string `json:"method"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Remote error codes.
const (
	CodeHandlerError = "HANDLER_ERROR"
	CodeNoHandler    = "NO_HANDLER"
)

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s: %s", e.Method, e.Code, e.Message)
}

// IsRemoteError returns true if err is or wraps a *RemoteError.
func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// Option configures a pipe.
type Option func(*pipeOptions)

type pipeOptions struct {
	latency time.Duration
}

// WithLatency delays every message by d in both directions. Order is kept.
func WithLatency(d time.Duration) Option {
	return func(o *pipeOptions) { o.latency = d }
}

// Endpoint is one side of a pipe.
type Endpoint struct {
	name    string
	peer    *Endpoint
	latency time.Duration
	inbox   *mailbox

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan message

	closeOnce sync.Once
	closed    chan struct{}

	sent     atomic.Int64
	received atomic.Int64
}

// Pipe creates two connected endpoints named a and b.
func Pipe(a, b string, opts ...Option) (*Endpoint, *Endpoint) {
	var o pipeOptions
	for _, opt := range opts {
		opt(&o)
	}
	ea := newEndpoint(a, o.latency)
	eb := newEndpoint(b, o.latency)
	ea.peer, eb.peer = eb, ea
	return ea, eb
}

func newEndpoint(name string, latency time.Duration) *Endpoint {
	return &Endpoint{
		name:     name,
		latency:  latency,
		inbox:    newMailbox(),
		handlers: make(map[string]Handler),
		pending:  make(map[uint64]chan message),
		closed:   make(chan struct{}),
	}
}

// Name returns the endpoint label.
func (e *Endpoint) Name() string { return e.name }

// Handle registers h for method. Registering a method twice returns a
// *ConfigError.
func (e *Endpoint) Handle(method string, h Handler) error {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	if _, dup := e.handlers[method]; dup {
		return &ConfigError{Endpoint: e.name, Method: method, Message: "handler already registered"}
	}
	e.handlers[method] = h
	return nil
}

// Call sends a request to the peer and waits for its reply.
func (e *Endpoint) Call(ctx context.Context, method string, body []byte) ([]byte, error) {
	select {
	case <-e.closed:
		return nil, ErrClosed
	default:
	}

	id := e.nextID.Add(1)
	reply := make(chan message, 1)
	e.pendingMu.Lock()
	e.pending[id] = reply
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, id)
		e.pendingMu.Unlock()
	}()

	req := message{id: id, method: method, body: body, at: time.Now().Add(e.latency)}
	if !e.peer.inbox.Enqueue(req) {
		return nil, ErrClosed
	}
	e.sent.Add(1)

	select {
	case m := <-reply:
		if m.closed {
			return nil, ErrClosed
		}
		if m.err != nil {
			return nil, m.err
		}
		return m.body, nil
	case <-e.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run processes inbound requests in arrival order until ctx is done or the
// endpoint is closed. Cancelling ctx closes the endpoint.
func (e *Endpoint) Run(ctx context.Context) error {
	slog.Debug("transport endpoint running", "endpoint", e.name)

	for {
		if m, ok := e.inbox.TryDequeue(); ok {
			if err := e.waitUntil(ctx, m.at); err != nil {
				e.reject(m)
				e.Close()
				return err
			}
			e.serve(ctx, m)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Debug("transport endpoint stopping: context cancelled", "endpoint", e.name)
			e.Close()
			return ctx.Err()
		case <-e.inbox.Wait():
			select {
			case <-e.closed:
				slog.Debug("transport endpoint stopping: closed", "endpoint", e.name)
				return nil
			default:
			}
		}
	}
}

func (e *Endpoint) waitUntil(ctx context.Context, at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Endpoint) serve(ctx context.Context, m message) {
	e.received.Add(1)

	e.handlersMu.RLock()
	h, ok := e.handlers[m.method]
	e.handlersMu.RUnlock()

	if !ok {
		slog.Warn("transport request for unknown method", "endpoint", e.name, "method", m.method)
		e.reply(m, nil, &RemoteError{Method: m.method, Code: CodeNoHandler, Message: "no handler registered"})
		return
	}

	body, err := safeHandle(ctx, h, m.body)
	if err != nil {
		slog.Debug("transport handler failed", "endpoint", e.name, "method", m.method, "error", err)
		e.reply(m, nil, &RemoteError{Method: m.method, Code: CodeHandlerError, Message: err.Error()})
		return
	}
	e.reply(m, body, nil)
}

func safeHandle(ctx context.Context, h Handler, body []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, body)
}

// reply resolves the caller waiting on the peer.
func (e *Endpoint) reply(req message, body []byte, rerr *RemoteError) {
	resp := message{id: req.id, body: body, err: rerr}
	if e.latency <= 0 {
		e.peer.resolve(resp)
		return
	}
	time.AfterFunc(e.latency, func() { e.peer.resolve(resp) })
}

// reject answers a request that will never be served.
func (e *Endpoint) reject(req message) {
	e.peer.resolve(message{id: req.id, closed: true})
}

func (e *Endpoint) resolve(resp message) {
	e.pendingMu.Lock()
	ch, ok := e.pending[resp.id]
	e.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// Close stops the endpoint. Requests still queued are answered with
// ErrClosed on the peer side and pending calls return ErrClosed.
// Close is idempotent.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		rest := e.inbox.Close()
		for _, m := range rest {
			e.reject(m)
		}
		slog.Debug("transport endpoint closed", "endpoint", e.name, "rejected", len(rest))
	})
}

// Closed is closed when the endpoint closes.
func (e *Endpoint) Closed() <-chan struct{} {
	return e.closed
}

// Stats returns the number of requests sent and served.
func (e *Endpoint) Stats() (sent, received int64) {
	return e.sent.Load(), e.received.Load()
}

// Invoke is a typed JSON call.
func Invoke[Req, Resp any](ctx context.Context, e *Endpoint, method string, req Req) (Resp, error) {
	var resp Resp
	body, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("encode %s request: %w", method, err)
	}
	out, err := e.Call(ctx, method, body)
	if err != nil {
		return resp, err
	}
	if len(out) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return resp, fmt.Errorf("decode %s reply: %w", method, err)
	}
	return resp, nil
}

// HandleJSON registers a typed JSON handler.
func HandleJSON[Req, Resp any](e *Endpoint, method string, fn func(ctx context.Context, req Req) (Resp, error)) error {
	return e.Handle(method, func(ctx context.Context, body []byte) ([]byte, error) {
		var req Req
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, fmt.Errorf("decode %s request: %w", method, err)
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
}
