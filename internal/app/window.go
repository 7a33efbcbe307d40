package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/mirror/internal/broadcast"
	"github.com/roach88/mirror/internal/replica"
	"github.com/roach88/mirror/internal/rpc"
	"github.com/roach88/mirror/internal/store"
)

// EventWorkspaceChanged is broadcast to sibling windows when the selected
// workspace changes.
const EventWorkspaceChanged = "workspace-changed"

// DefaultTabsChannel is the broadcast channel shared by sibling windows.
const DefaultTabsChannel = "mirror.tabs"

type workspaceChanged struct {
	Workspace string `json:"workspace"`
}

// WindowConfig configures NewWindow.
type WindowConfig struct {
	ContextConfig

	// Tabs, when set, connects the window to its siblings.
	Tabs broadcast.Medium

	// TabsChannel defaults to DefaultTabsChannel.
	TabsChannel string

	// ID is the broadcast sender id. Empty means a generated one.
	ID string
}

// Window is the UI context. It owns the UI state, mirrors it to the worker,
// receives the worker's workspace mirror and talks to the worker only
// through a ready-gated proxy.
type Window struct {
	store    *store.Store
	worker   *WorkerProxy
	sender   *replica.Sender
	receiver *replica.Receiver
	tabs     *broadcast.Adapter
	backoff  time.Duration
}

// NewWindow builds the window's store and wires both replication channels.
func NewWindow(worker *WorkerProxy, cfg WindowConfig) (*Window, error) {
	st, err := store.New(windowSlices(), cfg.storeOptions("window")...)
	if err != nil {
		return nil, fmt.Errorf("window store: %w", err)
	}
	w := &Window{store: st, worker: worker, backoff: cfg.resyncBackoff()}

	if err := w.wire(cfg); err != nil {
		st.Destroy()
		return nil, err
	}

	slog.Info("window started", "store", st.Name(), "tabs", w.tabs != nil)
	return w, nil
}

func (w *Window) wire(cfg WindowConfig) error {
	var err error
	w.receiver, err = replica.NewReceiver(w.store, WorkspacesMirror)
	if err != nil {
		return err
	}
	w.sender, err = replica.Attach(w.store, UIMirror, replica.SenderConfig{
		Track:     store.Keys(Selected, OpenNotes),
		Project:   ProjectUI,
		Sink:      awaitSink(w.worker.ReceivePatches),
		Window:    cfg.FlushWindow,
		Scheduler: cfg.FlushScheduler,
		QueueSize: cfg.QueueSize,
		NoDigest:  cfg.NoDigest,
	})
	if err != nil {
		return err
	}

	err = w.store.RegisterEffect(store.EffectSpec{
		Name:  "session.recover",
		Track: store.Keys(WorkspacesMirror.Stale),
		Run:   w.recover,
	})
	if err != nil {
		return err
	}

	if cfg.Tabs == nil {
		return nil
	}
	return w.joinTabs(cfg)
}

// recover asks the worker for a full resync once the workspace mirror goes
// stale, repeating failed requests with backoff.
func (w *Window) recover(ec *store.EffectContext) error {
	if !WorkspacesMirror.Stale.Get(ec.State()) {
		return nil
	}
	go requestResync(ec.Context(), w.store, WorkspacesMirror, w.backoff, w.worker.Resync)
	return nil
}

func (w *Window) joinTabs(cfg WindowConfig) error {
	channel := cfg.TabsChannel
	if channel == "" {
		channel = DefaultTabsChannel
	}
	var opts []broadcast.Option
	if cfg.ID != "" {
		opts = append(opts, broadcast.WithSenderID(cfg.ID))
	}
	if cfg.Clock != nil {
		opts = append(opts, broadcast.WithClock(cfg.Clock))
	}

	tabs, err := broadcast.New(w.store.Context(), cfg.Tabs, channel, opts...)
	if err != nil {
		return fmt.Errorf("join tabs: %w", err)
	}
	w.tabs = tabs

	tabs.On(EventWorkspaceChanged, func(m broadcast.Message) {
		var ev workspaceChanged
		if err := m.Decode(&ev); err != nil {
			slog.Warn("tab event discarded", "event", m.Event, "sender", m.Sender.ID, "error", err)
			return
		}
		err := w.store.Dispatch(PeerSelected.With(PeerSelection{Peer: m.Sender.ID, Workspace: ev.Workspace}))
		if err != nil {
			slog.Debug("tab event not applied", "sender", m.Sender.ID, "error", err)
		}
	})

	return w.store.RegisterEffect(store.EffectSpec{
		Name:  "tabs.announce",
		Track: store.Keys(Selected),
		Run: func(ec *store.EffectContext) error {
			name := Selected.Get(ec.State())
			if name == "" {
				return nil
			}
			return tabs.Emit(EventWorkspaceChanged, workspaceChanged{Workspace: name})
		},
	})
}

// Store returns the window's store.
func (w *Window) Store() *store.Store { return w.store }

// Worker returns the gated worker proxy.
func (w *Window) Worker() *WorkerProxy { return w.worker }

// Sender returns the UI replication sender.
func (w *Window) Sender() *replica.Sender { return w.sender }

// Receiver returns the workspace replication receiver.
func (w *Window) Receiver() *replica.Receiver { return w.receiver }

// TabID returns the broadcast sender id, or "" without tabs.
func (w *Window) TabID() string {
	if w.tabs == nil {
		return ""
	}
	return w.tabs.ID()
}

// Select shows workspace name.
func (w *Window) Select(name string) error {
	return w.store.Dispatch(SelectWorkspace.With(name))
}

// Open opens a note.
func (w *Window) Open(path string) error {
	return w.store.Dispatch(OpenNote.With(path))
}

// CloseNote closes a note.
func (w *Window) CloseNote(path string) error {
	return w.store.Dispatch(CloseNote.With(path))
}

// SelectedKnown reports whether the worker-reported mirror contains the
// selected workspace.
func (w *Window) SelectedKnown() bool { return SelectedWorkspaceKnown.Get(w.store) }

// Workspaces returns the mirrored workspace names.
func (w *Window) Workspaces() []string { return KnownWorkspaces.Get(w.store) }

// Peers returns what sibling windows last reported.
func (w *Window) Peers() map[string]string { return Peers.Get(w.store) }

func (w *Window) ReceivePatches(ctx context.Context, env replica.Envelope) error {
	return w.receiver.ReceivePatches(ctx, env)
}

func (w *Window) Resync(context.Context) error {
	return w.sender.Resync()
}

// CreateWorkspace asks the worker to create a workspace.
func (w *Window) CreateWorkspace(ctx context.Context, name string) *rpc.Future[rpc.Void] {
	return w.worker.CreateWorkspace(ctx, name)
}

// Close leaves the tabs channel, rejects queued worker calls and destroys the
// store.
func (w *Window) Close() {
	w.worker.Close()
	w.store.Destroy()
}

var _ WindowAPI = (*Window)(nil)
