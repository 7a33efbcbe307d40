package app

import (
	"context"

	"github.com/roach88/mirror/internal/replica"
	"github.com/roach88/mirror/internal/rpc"
)

// WorkerProxy is the window's ready-gated view of the worker. Every method
// runs at once when the worker is ready and nothing is queued; otherwise it
// queues in call order until the worker signals readiness.
//
// Once the worker is ready a method blocks its caller for the full transport
// round trip and returns an already settled Future. Effect bodies call it
// from a goroutine, never inline.
type WorkerProxy struct {
	gate *rpc.Gate[WorkerAPI]
}

// NewWorkerProxy gates calls on h.
func NewWorkerProxy(h *rpc.Handle[WorkerAPI], opts ...rpc.Option) *WorkerProxy {
	return &WorkerProxy{gate: h.Gate(opts...)}
}

// ReceivePatches delivers a UI mirror envelope to the worker.
func (p *WorkerProxy) ReceivePatches(ctx context.Context, env replica.Envelope) *rpc.Future[rpc.Void] {
	return rpc.Call(p.gate, MethodReceivePatches, func(w WorkerAPI) (rpc.Void, error) {
		return rpc.Void{}, w.ReceivePatches(ctx, env)
	})
}

// Resync asks the worker to send a full copy of the workspaces mirror.
func (p *WorkerProxy) Resync(ctx context.Context) *rpc.Future[rpc.Void] {
	return rpc.Call(p.gate, MethodResync, func(w WorkerAPI) (rpc.Void, error) {
		return rpc.Void{}, w.Resync(ctx)
	})
}

// CreateWorkspace creates name on the worker. The future fails if it exists.
func (p *WorkerProxy) CreateWorkspace(ctx context.Context, name string) *rpc.Future[rpc.Void] {
	return rpc.Call(p.gate, MethodCreateWorkspace, func(w WorkerAPI) (rpc.Void, error) {
		return rpc.Void{}, w.CreateWorkspace(ctx, name)
	})
}

// RenameWorkspace renames a workspace on the worker.
func (p *WorkerProxy) RenameWorkspace(ctx context.Context, from, to string) *rpc.Future[rpc.Void] {
	return rpc.Call(p.gate, MethodRenameWorkspace, func(w WorkerAPI) (rpc.Void, error) {
		return rpc.Void{}, w.RenameWorkspace(ctx, from, to)
	})
}

// DeleteWorkspace removes name on the worker. The future fails if it is
// missing.
func (p *WorkerProxy) DeleteWorkspace(ctx context.Context, name string) *rpc.Future[rpc.Void] {
	return rpc.Call(p.gate, MethodDeleteWorkspace, func(w WorkerAPI) (rpc.Void, error) {
		return rpc.Void{}, w.DeleteWorkspace(ctx, name)
	})
}

// TouchWorkspace bumps the modified time of name.
func (p *WorkerProxy) TouchWorkspace(ctx context.Context, name string) *rpc.Future[rpc.Void] {
	return rpc.Call(p.gate, MethodTouchWorkspace, func(w WorkerAPI) (rpc.Void, error) {
		return rpc.Void{}, w.TouchWorkspace(ctx, name)
	})
}

// ListWorkspaces resolves to the worker's workspace names, sorted.
func (p *WorkerProxy) ListWorkspaces(ctx context.Context) *rpc.Future[[]string] {
	return rpc.Call(p.gate, MethodListWorkspaces, func(w WorkerAPI) ([]string, error) {
		return w.ListWorkspaces(ctx)
	})
}

// Pending returns the number of calls waiting for the worker.
func (p *WorkerProxy) Pending() int { return p.gate.Pending() }

// Close rejects queued calls; later calls fail immediately.
func (p *WorkerProxy) Close() { p.gate.Close() }

// WindowProxy is the worker's ready-gated view of the window. It queues
// and blocks the same way WorkerProxy does.
type WindowProxy struct {
	gate *rpc.Gate[WindowAPI]
}

// NewWindowProxy gates calls on h.
func NewWindowProxy(h *rpc.Handle[WindowAPI], opts ...rpc.Option) *WindowProxy {
	return &WindowProxy{gate: h.Gate(opts...)}
}

// ReceivePatches delivers a workspaces envelope to the window.
func (p *WindowProxy) ReceivePatches(ctx context.Context, env replica.Envelope) *rpc.Future[rpc.Void] {
	return rpc.Call(p.gate, MethodReceivePatches, func(w WindowAPI) (rpc.Void, error) {
		return rpc.Void{}, w.ReceivePatches(ctx, env)
	})
}

// Resync asks the window to send a full copy of the UI mirror.
func (p *WindowProxy) Resync(ctx context.Context) *rpc.Future[rpc.Void] {
	return rpc.Call(p.gate, MethodResync, func(w WindowAPI) (rpc.Void, error) {
		return rpc.Void{}, w.Resync(ctx)
	})
}

// Close rejects queued calls; later calls fail immediately.
func (p *WindowProxy) Close() { p.gate.Close() }

// awaitSink turns a gated ReceivePatches into a replica sink that waits for
// the peer to apply each envelope.
func awaitSink(send func(ctx context.Context, env replica.Envelope) *rpc.Future[rpc.Void]) replica.Sink {
	return replica.SinkFunc(func(ctx context.Context, env replica.Envelope) error {
		_, err := send(ctx, env).Await(ctx)
		return err
	})
}
