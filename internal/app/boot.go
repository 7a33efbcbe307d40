package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/mirror/internal/ir"
	"github.com/roach88/mirror/internal/rpc"
	"github.com/roach88/mirror/internal/transport"
)

// Config configures Boot.
type Config struct {
	Window WindowConfig
	Worker WorkerConfig

	// Latency simulates a slow channel between window and worker.
	Latency time.Duration

	// StartupDelay simulates the worker's asynchronous initialization.
	StartupDelay time.Duration
}

// App is one running application instance: a window, a worker that becomes
// ready asynchronously, and the pipe between them.
type App struct {
	Window *Window

	workerHandle *rpc.Handle[WorkerAPI]
	ready        chan struct{}
	worker       *Worker

	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// Boot starts the window immediately and the worker in the background.
// Calls the window makes through its worker proxy queue until the worker
// is ready.
func Boot(ctx context.Context, cfg Config) (*App, error) {
	ctx, cancel := context.WithCancel(ctx)
	windowEnd, workerEnd := transport.Pipe("window", "worker", transport.WithLatency(cfg.Latency))

	workerHandle := rpc.NewHandle[WorkerAPI]("worker")
	window, err := NewWindow(NewWorkerProxy(workerHandle), cfg.Window)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := ServeWindow(windowEnd, window); err != nil {
		window.Close()
		cancel()
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	a := &App{
		Window:       window,
		workerHandle: workerHandle,
		ready:        make(chan struct{}),
		cancel:       cancel,
		group:        g,
	}

	g.Go(func() error { return ignoreCancel(windowEnd.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(workerEnd.Run(gctx)) })
	g.Go(func() error { return a.startWorker(gctx, cfg, windowEnd, workerEnd) })

	return a, nil
}

func (a *App) startWorker(ctx context.Context, cfg Config, windowEnd, workerEnd *transport.Endpoint) error {
	if cfg.StartupDelay > 0 {
		timer := time.NewTimer(cfg.StartupDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil
		}
	}

	// The window is up before the worker starts, so its handle is ready at
	// once.
	windowHandle := rpc.NewHandle[WindowAPI]("window")
	windowHandle.Set(NewWindowClient(workerEnd))

	worker, err := NewWorker(NewWindowProxy(windowHandle), cfg.Worker)
	if err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	if err := ServeWorker(workerEnd, worker); err != nil {
		worker.Close()
		return fmt.Errorf("serve worker: %w", err)
	}

	a.worker = worker
	close(a.ready)

	slog.Debug("worker ready, releasing queued calls", "queued", a.Window.Worker().Pending())
	a.workerHandle.Set(NewWorkerClient(windowEnd))
	return nil
}

// Worker waits until the worker is ready and returns it.
func (a *App) Worker(ctx context.Context) (*Worker, error) {
	select {
	case <-a.ready:
		return a.worker, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settle waits until the worker is ready, each mirror equals the
// projection of its source and neither receiver is stale.
func (a *App) Settle(ctx context.Context) (*Worker, error) {
	worker, err := a.Worker(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker not ready: %w", err)
	}

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !a.converged(worker) {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("contexts did not converge: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return worker, nil
}

func (a *App) converged(worker *Worker) bool {
	if a.Window.Receiver().Stale() || worker.Receiver().Stale() {
		return false
	}
	return ir.Equal(ProjectUI(a.Window.Store()), UIMirror.Replica.Get(worker.Store())) &&
		ir.Equal(ProjectWorkspaces(worker.Store()), WorkspacesMirror.Replica.Get(a.Window.Store()))
}

// Close stops both contexts and waits for their goroutines.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		a.Window.Close()
		a.closeErr = a.group.Wait()

		select {
		case <-a.ready:
			a.worker.Close()
		default:
		}
		a.workerHandle.Clear()
	})
	return a.closeErr
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
