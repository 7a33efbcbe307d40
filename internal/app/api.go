package app

import (
	"context"

	"github.com/roach88/mirror/internal/replica"
	"github.com/roach88/mirror/internal/transport"
)

// RPC method names.
const (
	MethodReceivePatches  = "receivePatches"
	MethodResync          = "resync"
	MethodCreateWorkspace = "createWorkspace"
	MethodRenameWorkspace = "renameWorkspace"
	MethodDeleteWorkspace = "deleteWorkspace"
	MethodTouchWorkspace  = "touchWorkspace"
	MethodListWorkspaces  = "listWorkspaces"
)

// WorkerAPI is the surface the worker exposes to the window.
type WorkerAPI interface {
	ReceivePatches(ctx context.Context, env replica.Envelope) error
	Resync(ctx context.Context) error
	CreateWorkspace(ctx context.Context, name string) error
	RenameWorkspace(ctx context.Context, from, to string) error
	DeleteWorkspace(ctx context.Context, name string) error
	TouchWorkspace(ctx context.Context, name string) error
	ListWorkspaces(ctx context.Context) ([]string, error)
}

// WindowAPI is the surface the window exposes to the worker.
type WindowAPI interface {
	ReceivePatches(ctx context.Context, env replica.Envelope) error
	Resync(ctx context.Context) error
}

type renameRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type none = struct{}

// WorkerClient calls a worker over a transport endpoint.
type WorkerClient struct {
	ep *transport.Endpoint
}

// NewWorkerClient returns a client that calls through ep.
func NewWorkerClient(ep *transport.Endpoint) *WorkerClient {
	return &WorkerClient{ep: ep}
}

func (c *WorkerClient) ReceivePatches(ctx context.Context, env replica.Envelope) error {
	_, err := transport.Invoke[replica.Envelope, none](ctx, c.ep, MethodReceivePatches, env)
	return err
}

func (c *WorkerClient) Resync(ctx context.Context) error {
	_, err := transport.Invoke[none, none](ctx, c.ep, MethodResync, none{})
	return err
}

func (c *WorkerClient) CreateWorkspace(ctx context.Context, name string) error {
	_, err := transport.Invoke[string, none](ctx, c.ep, MethodCreateWorkspace, name)
	return err
}

func (c *WorkerClient) RenameWorkspace(ctx context.Context, from, to string) error {
	_, err := transport.Invoke[renameRequest, none](ctx, c.ep, MethodRenameWorkspace, renameRequest{From: from, To: to})
	return err
}

func (c *WorkerClient) DeleteWorkspace(ctx context.Context, name string) error {
	_, err := transport.Invoke[string, none](ctx, c.ep, MethodDeleteWorkspace, name)
	return err
}

func (c *WorkerClient) TouchWorkspace(ctx context.Context, name string) error {
	_, err := transport.Invoke[string, none](ctx, c.ep, MethodTouchWorkspace, name)
	return err
}

func (c *WorkerClient) ListWorkspaces(ctx context.Context) ([]string, error) {
	return transport.Invoke[none, []string](ctx, c.ep, MethodListWorkspaces, none{})
}

// WindowClient calls a window over a transport endpoint.
type WindowClient struct {
	ep *transport.Endpoint
}

// NewWindowClient returns a client that calls through ep.
func NewWindowClient(ep *transport.Endpoint) *WindowClient {
	return &WindowClient{ep: ep}
}

func (c *WindowClient) ReceivePatches(ctx context.Context, env replica.Envelope) error {
	_, err := transport.Invoke[replica.Envelope, none](ctx, c.ep, MethodReceivePatches, env)
	return err
}

func (c *WindowClient) Resync(ctx context.Context) error {
	_, err := transport.Invoke[none, none](ctx, c.ep, MethodResync, none{})
	return err
}

// ServeWorker registers api's methods on ep.
func ServeWorker(ep *transport.Endpoint, api WorkerAPI) error {
	handlers := []error{
		transport.HandleJSON(ep, MethodReceivePatches, func(ctx context.Context, env replica.Envelope) (none, error) {
			return none{}, api.ReceivePatches(ctx, env)
		}),
		transport.HandleJSON(ep, MethodResync, func(ctx context.Context, _ none) (none, error) {
			return none{}, api.Resync(ctx)
		}),
		transport.HandleJSON(ep, MethodCreateWorkspace, func(ctx context.Context, name string) (none, error) {
			return none{}, api.CreateWorkspace(ctx, name)
		}),
		transport.HandleJSON(ep, MethodRenameWorkspace, func(ctx context.Context, req renameRequest) (none, error) {
			return none{}, api.RenameWorkspace(ctx, req.From, req.To)
		}),
		transport.HandleJSON(ep, MethodDeleteWorkspace, func(ctx context.Context, name string) (none, error) {
			return none{}, api.DeleteWorkspace(ctx, name)
		}),
		transport.HandleJSON(ep, MethodTouchWorkspace, func(ctx context.Context, name string) (none, error) {
			return none{}, api.TouchWorkspace(ctx, name)
		}),
		transport.HandleJSON(ep, MethodListWorkspaces, func(ctx context.Context, _ none) ([]string, error) {
			return api.ListWorkspaces(ctx)
		}),
	}
	return firstError(handlers)
}

// ServeWindow registers api's methods on ep.
func ServeWindow(ep *transport.Endpoint, api WindowAPI) error {
	return firstError([]error{
		transport.HandleJSON(ep, MethodReceivePatches, func(ctx context.Context, env replica.Envelope) (none, error) {
			return none{}, api.ReceivePatches(ctx, env)
		}),
		transport.HandleJSON(ep, MethodResync, func(ctx context.Context, _ none) (none, error) {
			return none{}, api.Resync(ctx)
		}),
	})
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

var (
	_ WorkerAPI = (*WorkerClient)(nil)
	_ WindowAPI = (*WindowClient)(nil)
)
