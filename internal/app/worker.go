package app

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/roach88/mirror/internal/replica"
	"github.com/roach88/mirror/internal/store"
)

// WorkerConfig configures NewWorker.
type WorkerConfig struct {
	ContextConfig

	// Seed lists workspaces that exist when the worker starts.
	Seed []string
}

// Worker is the background context. It owns the canonical workspace state,
// mirrors it to the window and receives the window's UI mirror.
type Worker struct {
	store    *store.Store
	window   *WindowProxy
	sender   *replica.Sender
	receiver *replica.Receiver
	now      func() time.Time
}

// NewWorker builds the worker's store and wires both replication channels.
// window is the gated view of the window that receives workspace patches.
func NewWorker(window *WindowProxy, cfg WorkerConfig) (*Worker, error) {
	st, err := store.New(workerSlices(), cfg.storeOptions("worker")...)
	if err != nil {
		return nil, fmt.Errorf("worker store: %w", err)
	}

	w := &Worker{store: st, window: window, now: cfg.clock()}

	for _, name := range cfg.Seed {
		if err := st.Dispatch(CreateWorkspace.With(WorkspaceEvent{Name: name, At: w.now()})); err != nil {
			st.Destroy()
			return nil, fmt.Errorf("seed workspace %q: %w", name, err)
		}
	}

	w.receiver, err = replica.NewReceiver(st, UIMirror)
	if err != nil {
		st.Destroy()
		return nil, err
	}
	w.sender, err = replica.Attach(st, WorkspacesMirror, replica.SenderConfig{
		Track:     store.Keys(Workspaces),
		Project:   ProjectWorkspaces,
		Sink:      awaitSink(window.ReceivePatches),
		Window:    cfg.FlushWindow,
		Scheduler: cfg.FlushScheduler,
		QueueSize: cfg.QueueSize,
		NoDigest:  cfg.NoDigest,
	})
	if err != nil {
		st.Destroy()
		return nil, err
	}

	err = st.RegisterEffect(store.EffectSpec{
		Name:  "focus.recover",
		Track: store.Keys(UIMirror.Stale),
		Run: func(ec *store.EffectContext) error {
			if !UIMirror.Stale.Get(ec.State()) {
				return nil
			}
			go requestResync(ec.Context(), st, UIMirror, cfg.resyncBackoff(), window.Resync)
			return nil
		},
	})
	if err != nil {
		st.Destroy()
		return nil, err
	}

	slog.Info("worker started", "store", st.Name(), "workspaces", len(cfg.Seed))
	return w, nil
}

// Store returns the worker's store.
func (w *Worker) Store() *store.Store { return w.store }

// Sender returns the workspaces replication sender.
func (w *Worker) Sender() *replica.Sender { return w.sender }

// Receiver returns the UI replication receiver.
func (w *Worker) Receiver() *replica.Receiver { return w.receiver }

// Focused returns the window's selected workspace if the worker knows it.
func (w *Worker) Focused() string { return FocusedWorkspace.Get(w.store) }

func (w *Worker) ReceivePatches(ctx context.Context, env replica.Envelope) error {
	return w.receiver.ReceivePatches(ctx, env)
}

func (w *Worker) Resync(context.Context) error {
	return w.sender.Resync()
}

func (w *Worker) CreateWorkspace(_ context.Context, name string) error {
	return w.store.Dispatch(CreateWorkspace.With(WorkspaceEvent{Name: name, At: w.now()}))
}

func (w *Worker) RenameWorkspace(_ context.Context, from, to string) error {
	return w.store.Dispatch(RenameWorkspace.With(WorkspaceEvent{Name: from, To: to, At: w.now()}))
}

func (w *Worker) DeleteWorkspace(_ context.Context, name string) error {
	return w.store.Dispatch(DeleteWorkspace.With(WorkspaceEvent{Name: name}))
}

func (w *Worker) TouchWorkspace(_ context.Context, name string) error {
	return w.store.Dispatch(TouchWorkspace.With(WorkspaceEvent{Name: name, At: w.now()}))
}

func (w *Worker) ListWorkspaces(context.Context) ([]string, error) {
	names := slices.Collect(maps.Keys(Workspaces.Get(w.store)))
	slices.Sort(names)
	return names, nil
}

// Close rejects calls still queued for the window and destroys the store.
func (w *Worker) Close() {
	w.window.Close()
	w.store.Destroy()
}

var _ WorkerAPI = (*Worker)(nil)
