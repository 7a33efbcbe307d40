package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mirror/internal/broadcast"
	"github.com/roach88/mirror/internal/ir"
	"github.com/roach88/mirror/internal/patch"
	"github.com/roach88/mirror/internal/replica"
	"github.com/roach88/mirror/internal/rpc"
	"github.com/roach88/mirror/internal/scheduler"
	"github.com/roach88/mirror/internal/store"
	"github.com/roach88/mirror/internal/testutil"
	"github.com/roach88/mirror/internal/transport"
)

const waitFor = 2 * time.Second

func testContext(name string) ContextConfig {
	return ContextConfig{
		Name:        name,
		Scheduler:   scheduler.Zero(),
		FlushWindow: 2 * time.Millisecond,
	}
}

func boot(t *testing.T, seed ...string) *App {
	t.Helper()
	a, err := Boot(context.Background(), Config{
		Window:       WindowConfig{ContextConfig: testContext("window")},
		Worker:       WorkerConfig{ContextConfig: testContext("worker"), Seed: seed},
		Latency:      time.Millisecond,
		StartupDelay: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func awaitOK[R any](t *testing.T, f *rpc.Future[R]) R {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	v, err := f.Await(ctx)
	require.NoError(t, err)
	return v
}

func TestBoot_QueuesCallsUntilWorkerReady(t *testing.T) {
	a := boot(t)
	ctx := context.Background()

	created := a.Window.CreateWorkspace(ctx, "work")
	listed := a.Window.Worker().ListWorkspaces(ctx)
	assert.False(t, created.Settled(), "worker is still starting")
	assert.Equal(t, 2, a.Window.Worker().Pending())

	awaitOK(t, created)
	assert.Equal(t, []string{"work"}, awaitOK(t, listed))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"work"}, a.Window.Workspaces())
	}, waitFor, time.Millisecond)
}

func TestBoot_ReplicatesBothDirections(t *testing.T) {
	a := boot(t, "notes")
	ctx := context.Background()

	worker, err := a.Worker(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"notes"}, a.Window.Workspaces())
	}, waitFor, time.Millisecond)
	assert.False(t, a.Window.SelectedKnown())

	// window -> worker
	require.NoError(t, a.Window.Select("notes"))
	require.NoError(t, a.Window.Open("notes/today.md"))
	assert.True(t, a.Window.SelectedKnown())
	require.Eventually(t, func() bool { return worker.Focused() == "notes" }, waitFor, time.Millisecond)

	// worker -> window: the selection no longer exists after a rename.
	awaitOK(t, a.Window.Worker().RenameWorkspace(ctx, "notes", "journal"))
	require.Eventually(t, func() bool { return !a.Window.SelectedKnown() }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return worker.Focused() == "" }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"journal"}, a.Window.Workspaces())

	assert.False(t, a.Window.Receiver().Stale())
	assert.False(t, worker.Receiver().Stale())
}

func TestBoot_RemoteErrorsRejectFutures(t *testing.T) {
	a := boot(t)
	ctx := context.Background()

	awaitOK(t, a.Window.CreateWorkspace(ctx, "work"))

	cctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	_, err := a.Window.CreateWorkspace(ctx, "work").Await(cctx)
	require.Error(t, err)
	assert.True(t, transport.IsRemoteError(err))
	assert.Contains(t, err.Error(), "already exists")

	_, err = a.Window.Worker().DeleteWorkspace(ctx, "missing").Await(cctx)
	assert.Contains(t, err.Error(), "not found")
}

func TestBoot_CloseRejectsQueuedCalls(t *testing.T) {
	a, err := Boot(context.Background(), Config{
		Window:       WindowConfig{ContextConfig: testContext("window")},
		Worker:       WorkerConfig{ContextConfig: testContext("worker")},
		StartupDelay: time.Hour,
	})
	require.NoError(t, err)

	f := a.Window.CreateWorkspace(context.Background(), "never")
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = f.Result()
	assert.ErrorIs(t, err, rpc.ErrGateClosed)
}

func TestApp_Settle(t *testing.T) {
	a := boot(t, "home")
	ctx := context.Background()

	require.NoError(t, a.Window.Select("home"))
	require.NoError(t, a.Window.Open("a.md"))

	sctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	worker, err := a.Settle(sctx)
	require.NoError(t, err)

	assert.Equal(t, "home", worker.Focused())
	assert.Equal(t, []string{"home"}, a.Window.Workspaces())
	assert.True(t, a.Window.SelectedKnown())
	assert.True(t, ir.Equal(ProjectUI(a.Window.Store()), UIMirror.Replica.Get(worker.Store())))
}

func TestApp_SettleTimesOutBeforeReady(t *testing.T) {
	a, err := Boot(context.Background(), Config{
		Window:       WindowConfig{ContextConfig: testContext("window")},
		Worker:       WorkerConfig{ContextConfig: testContext("worker")},
		StartupDelay: time.Hour,
	})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Settle(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "worker not ready")
}

func TestApp_WorkspaceNamesInBothNormalizationForms(t *testing.T) {
	a := boot(t)
	ctx := context.Background()

	names := []string{"caf\u00e9", "cafe\u0301", "later"}
	for _, name := range names {
		awaitOK(t, a.Window.CreateWorkspace(ctx, name))
	}

	sctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	worker, err := a.Settle(sctx)
	require.NoError(t, err)

	listed := awaitOK(t, a.Window.Worker().ListWorkspaces(ctx))
	assert.Len(t, listed, 3)
	assert.ElementsMatch(t, names, a.Window.Workspaces())
	assert.Zero(t, worker.Sender().Lost())
	assert.False(t, a.Window.Receiver().Stale())
}

func TestWindow_FailedResyncIsRetried(t *testing.T) {
	cfg := WindowConfig{ContextConfig: testContext("window")}
	cfg.ResyncBackoff = time.Millisecond
	w, h := newWindow(t, cfg)
	fake := &fakeWorker{failResyncs: 2}
	h.Set(fake)

	patches, err := patch.Encode([]patch.Op{{
		Op:    patch.Add,
		Path:  patch.Path{"workspaces", "lost"},
		Value: ir.NewObject(ir.O("modified", ir.NewTime(testutil.Epoch))),
	}})
	require.NoError(t, err)
	require.NoError(t, w.ReceivePatches(context.Background(), replica.Envelope{ID: 2, Patches: patches}))
	require.True(t, w.Receiver().Stale())

	require.Eventually(t, func() bool { return fake.resyncCount() == 3 }, waitFor, time.Millisecond)

	// The third request succeeded, so no more follow.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, fake.resyncCount())
}

// fakeWorker records calls made through a window's worker proxy.
type fakeWorker struct {
	mu      sync.Mutex
	resyncs int
	envs    []replica.Envelope

	// failResyncs is how many Resync calls fail before one succeeds.
	failResyncs int
}

func (f *fakeWorker) ReceivePatches(_ context.Context, env replica.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakeWorker) Resync(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resyncs++
	if f.resyncs <= f.failResyncs {
		return errors.New("worker busy")
	}
	return nil
}

func (f *fakeWorker) CreateWorkspace(context.Context, string) error         { return nil }
func (f *fakeWorker) RenameWorkspace(context.Context, string, string) error { return nil }
func (f *fakeWorker) DeleteWorkspace(context.Context, string) error         { return nil }
func (f *fakeWorker) TouchWorkspace(context.Context, string) error          { return nil }
func (f *fakeWorker) ListWorkspaces(context.Context) ([]string, error)      { return nil, nil }

func (f *fakeWorker) resyncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resyncs
}

func newWindow(t *testing.T, cfg WindowConfig) (*Window, *rpc.Handle[WorkerAPI]) {
	t.Helper()
	h := rpc.NewHandle[WorkerAPI]("worker")
	w, err := NewWindow(NewWorkerProxy(h), cfg)
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w, h
}

func TestWindow_StaleMirrorRequestsResync(t *testing.T) {
	w, h := newWindow(t, WindowConfig{ContextConfig: testContext("window")})
	fake := &fakeWorker{}
	h.Set(fake)

	patches, err := patch.Encode([]patch.Op{{
		Op:    patch.Add,
		Path:  patch.Path{"workspaces", "lost"},
		Value: ir.NewObject(ir.O("modified", ir.NewTime(testutil.Epoch))),
	}})
	require.NoError(t, err)

	// Envelope 1 never arrived.
	require.NoError(t, w.ReceivePatches(context.Background(), replica.Envelope{ID: 2, Patches: patches}))
	assert.True(t, w.Receiver().Stale())

	require.Eventually(t, func() bool { return fake.resyncCount() >= 1 }, waitFor, time.Millisecond)
}

func TestWindow_UIMirrorGoesThroughProxy(t *testing.T) {
	w, h := newWindow(t, WindowConfig{ContextConfig: testContext("window")})
	fake := &fakeWorker{}

	require.NoError(t, w.Select("work"))

	// Flushed but queued in the gate until the worker is ready.
	require.Eventually(t, func() bool { return w.Worker().Pending() == 1 }, waitFor, time.Millisecond)
	h.Set(fake)
	require.Eventually(t, func() bool { return w.Sender().Sent() == 1 }, waitFor, time.Millisecond)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.envs, 1)
	assert.Equal(t, uint64(1), fake.envs[0].ID)
}

func TestWindow_TabsBroadcast(t *testing.T) {
	hub := broadcast.NewHub()
	clock := testutil.NewFakeClock()

	tab := func(id string) WindowConfig {
		cfg := WindowConfig{ContextConfig: testContext(id), Tabs: hub, ID: id}
		cfg.Clock = clock.Now
		return cfg
	}
	a, _ := newWindow(t, tab("tab-a"))
	b, _ := newWindow(t, tab("tab-b"))
	assert.Equal(t, "tab-a", a.TabID())

	require.NoError(t, a.Select("work"))

	require.Eventually(t, func() bool {
		return b.Peers()["tab-a"] == "work"
	}, waitFor, time.Millisecond)
	assert.Empty(t, a.Peers(), "a window never hears itself")

	require.NoError(t, b.Select("home"))
	require.Eventually(t, func() bool {
		return a.Peers()["tab-b"] == "home"
	}, waitFor, time.Millisecond)
	assert.NotContains(t, b.Peers(), "tab-b")
}

func newWorkerStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(workerSlices(), store.WithScheduler(scheduler.NewManual().Policy()))
	require.NoError(t, err)
	t.Cleanup(st.Destroy)
	return st
}

func TestWorkspaceActions(t *testing.T) {
	at := testutil.Epoch

	tests := []struct {
		name    string
		txns    []store.Txn
		wantErr error
		want    []string
	}{
		{
			name: "create",
			txns: []store.Txn{CreateWorkspace.With(WorkspaceEvent{Name: "a", At: at})},
			want: []string{"a"},
		},
		{
			name:    "create empty name",
			txns:    []store.Txn{CreateWorkspace.With(WorkspaceEvent{At: at})},
			wantErr: ErrEmptyName,
		},
		{
			name: "create twice",
			txns: []store.Txn{
				CreateWorkspace.With(WorkspaceEvent{Name: "a", At: at}),
				CreateWorkspace.With(WorkspaceEvent{Name: "a", At: at}),
			},
			wantErr: ErrWorkspaceExists,
			want:    []string{"a"},
		},
		{
			name: "rename",
			txns: []store.Txn{
				CreateWorkspace.With(WorkspaceEvent{Name: "a", At: at}),
				RenameWorkspace.With(WorkspaceEvent{Name: "a", To: "b", At: at}),
			},
			want: []string{"b"},
		},
		{
			name: "rename onto existing",
			txns: []store.Txn{
				CreateWorkspace.With(WorkspaceEvent{Name: "a", At: at}),
				CreateWorkspace.With(WorkspaceEvent{Name: "b", At: at}),
				RenameWorkspace.With(WorkspaceEvent{Name: "a", To: "b", At: at}),
			},
			wantErr: ErrWorkspaceExists,
			want:    []string{"a", "b"},
		},
		{
			name:    "delete missing",
			txns:    []store.Txn{DeleteWorkspace.With(WorkspaceEvent{Name: "x"})},
			wantErr: ErrWorkspaceNotFound,
		},
		{
			name:    "touch missing",
			txns:    []store.Txn{TouchWorkspace.With(WorkspaceEvent{Name: "x", At: at})},
			wantErr: ErrWorkspaceNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newWorkerStore(t)

			var err error
			for _, txn := range tt.txns {
				if err = st.Dispatch(txn); err != nil {
					break
				}
			}
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			} else {
				require.NoError(t, err)
			}

			var names []string
			for name := range Workspaces.Get(st) {
				names = append(names, name)
			}
			assert.ElementsMatch(t, tt.want, names)
		})
	}
}

func TestProjectWorkspaces_TouchChangesModified(t *testing.T) {
	st := newWorkerStore(t)
	clock := testutil.NewFakeClock()

	require.NoError(t, st.Dispatch(CreateWorkspace.With(WorkspaceEvent{Name: "a", At: clock.Now()})))
	before := ProjectWorkspaces(st)

	require.NoError(t, st.Dispatch(TouchWorkspace.With(WorkspaceEvent{Name: "a", At: clock.Advance(time.Hour)})))
	after := ProjectWorkspaces(st)

	ops := patch.Diff(before, after)
	require.Len(t, ops, 1)
	assert.Equal(t, "/workspaces/a/modified", ops[0].Path.String())
	assert.True(t, ir.Equal(ir.NewTime(testutil.Epoch.Add(time.Hour)), ops[0].Value))
}
