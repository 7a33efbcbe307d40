package replica

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mirror/internal/ir"
	"github.com/roach88/mirror/internal/patch"
	"github.com/roach88/mirror/internal/scheduler"
	"github.com/roach88/mirror/internal/store"
)

var (
	uiSlice  = store.NewSlice("ui")
	selected = store.DefineField(uiSlice, "selected", "")
	openList = store.DefineField(uiSlice, "open", []string(nil), store.WithEqual(slices.Equal[[]string]))

	selectWorkspace = store.DefineAction(uiSlice, "select", func(tx *store.Tx, name string) error {
		selected.Set(tx, name)
		return nil
	})
	openNote = store.DefineAction(uiSlice, "openNote", func(tx *store.Tx, path string) error {
		openList.Update(tx, func(paths []string) []string {
			return append(slices.Clone(paths), path)
		})
		return nil
	})

	uiMirror = NewMirror("uiMirror", ir.NewObject(
		ir.O("open", ir.Array{}),
		ir.O("selected", ir.String("")),
	))
)

func projectUI(r store.Reader) ir.Value {
	paths := openList.Get(r)
	arr := make(ir.Array, len(paths))
	for i, p := range paths {
		arr[i] = ir.String(p)
	}
	return ir.NewObject(
		ir.O("open", arr),
		ir.O("selected", ir.String(selected.Get(r))),
	)
}

// recordingSink keeps every envelope and forwards it.
type recordingSink struct {
	mu   sync.Mutex
	envs []Envelope
	next Sink
}

func (s *recordingSink) ReceivePatches(ctx context.Context, env Envelope) error {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	if s.next == nil {
		return nil
	}
	return s.next.ReceivePatches(ctx, env)
}

func (s *recordingSink) envelopes() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.envs)
}

// settle flushes until nothing is scheduled.
func settle(m *scheduler.Manual) {
	for m.Flush() > 0 {
	}
}

type channel struct {
	window, worker *store.Store
	manual         *scheduler.Manual
	sender         *Sender
	receiver       *Receiver
	sink           *recordingSink
}

func newChannel(t *testing.T, noDigest bool) *channel {
	t.Helper()
	manual := scheduler.NewManual()

	window, err := store.New([]*store.Slice{uiSlice, uiMirror.Slice()},
		store.WithName("window"), store.WithScheduler(manual.Policy()))
	require.NoError(t, err)
	t.Cleanup(window.Destroy)

	worker, err := store.New([]*store.Slice{uiMirror.Slice()},
		store.WithName("worker"), store.WithScheduler(manual.Policy()))
	require.NoError(t, err)
	t.Cleanup(worker.Destroy)

	receiver, err := NewReceiver(worker, uiMirror)
	require.NoError(t, err)

	sink := &recordingSink{next: receiver}
	sender, err := Attach(window, uiMirror, SenderConfig{
		Track:     store.Keys(selected, openList),
		Project:   projectUI,
		Sink:      sink,
		Scheduler: manual.Policy(),
		NoDigest:  noDigest,
	})
	require.NoError(t, err)

	settle(manual)
	return &channel{
		window:   window,
		worker:   worker,
		manual:   manual,
		sender:   sender,
		receiver: receiver,
		sink:     sink,
	}
}

func (c *channel) waitSent(t *testing.T, n int64) {
	t.Helper()
	require.Eventually(t, func() bool { return c.sender.Sent() == n }, time.Second, time.Millisecond)
}

func TestReplica_WindowToWorker(t *testing.T) {
	c := newChannel(t, true)
	assert.Empty(t, c.sink.envelopes(), "an unchanged projection sends nothing")

	require.NoError(t, c.window.Dispatch(selectWorkspace.With("work")))
	require.NoError(t, c.window.Dispatch(openNote.With("a.md")))

	// Dirty: the replica advances locally before anything is sent.
	c.manual.Flush()
	assert.True(t, ir.Equal(projectUI(c.window), uiMirror.Replica.Get(c.window)))
	assert.Empty(t, c.sink.envelopes())

	settle(c.manual)
	c.waitSent(t, 1)

	assert.True(t, ir.Equal(projectUI(c.window), uiMirror.Replica.Get(c.worker)))
	assert.Equal(t, uint64(1), c.receiver.LastID())
	assert.False(t, c.receiver.Stale())

	require.NoError(t, c.sender.Resync())
	settle(c.manual)
	c.waitSent(t, 2)

	var lines []string
	for _, env := range c.sink.envelopes() {
		b, err := json.Marshal(env)
		require.NoError(t, err)
		lines = append(lines, string(b))
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "ui_channel", []byte(strings.Join(lines, "\n")))
}

func TestReplica_BurstCoalescesIntoOneEnvelope(t *testing.T) {
	c := newChannel(t, false)

	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.window.Dispatch(selectWorkspace.With(name)))
	}
	settle(c.manual)
	c.waitSent(t, 1)

	envs := c.sink.envelopes()
	require.Len(t, envs, 1)
	ops, err := patch.Decode(envs[0].Patches)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, ir.String("d"), ops[0].Value)

	assert.NotEmpty(t, envs[0].Digest)
	assert.False(t, c.receiver.Stale(), "digest of the applied replica matches")
	assert.Equal(t, ir.String("d"), uiMirror.Replica.Get(c.worker).(ir.Object)["selected"])
}

func TestReplica_UnicodeSpellingsStayDistinct(t *testing.T) {
	c := newChannel(t, false)

	for i, path := range []string{"caf\u00e9.md", "cafe\u0301.md", "later.md"} {
		require.NoError(t, c.window.Dispatch(openNote.With(path)))
		settle(c.manual)
		c.waitSent(t, int64(i+1))
	}

	assert.Zero(t, c.sender.Lost())
	assert.False(t, c.receiver.Stale())
	for _, env := range c.sink.envelopes() {
		assert.NotEmpty(t, env.Digest)
	}
	assert.True(t, ir.Equal(projectUI(c.window), uiMirror.Replica.Get(c.worker)))
	assert.Len(t, uiMirror.Replica.Get(c.worker).(ir.Object)["open"], 3)
}

func TestReplica_UndigestableReplicaSendsWithoutDigest(t *testing.T) {
	c := newChannel(t, false)

	// The replace of "selected" cannot be encoded, so envelope 1 is lost.
	require.NoError(t, c.window.Dispatch(selectWorkspace.With("bad\xff")))
	settle(c.manual)
	require.Eventually(t, func() bool { return c.sender.Lost() == 1 }, time.Second, time.Millisecond)

	// The replica still holds the bad string, but the next envelope goes out.
	require.NoError(t, c.window.Dispatch(openNote.With("a.md")))
	settle(c.manual)
	c.waitSent(t, 1)

	envs := c.sink.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, uint64(2), envs[0].ID)
	assert.Empty(t, envs[0].Digest)
	assert.True(t, c.receiver.Stale(), "envelope 1 never arrived")
}

func TestReplica_IDsAreMonotonic(t *testing.T) {
	c := newChannel(t, true)

	for i, name := range []string{"a", "b", "c"} {
		require.NoError(t, c.window.Dispatch(selectWorkspace.With(name)))
		settle(c.manual)
		c.waitSent(t, int64(i+1))
	}

	var ids []uint64
	for _, env := range c.sink.envelopes() {
		ids = append(ids, env.ID)
	}
	assert.Equal(t, []uint64{1, 2, 3}, ids)
	applied, dropped := c.receiver.Stats()
	assert.Equal(t, int64(3), applied)
	assert.Zero(t, dropped)
}

func TestReplica_BatchSchedulerDelivers(t *testing.T) {
	window, err := store.New([]*store.Slice{uiSlice, uiMirror.Slice()},
		store.WithName("window"), store.WithScheduler(scheduler.Zero()))
	require.NoError(t, err)
	defer window.Destroy()
	worker, err := store.New([]*store.Slice{uiMirror.Slice()},
		store.WithName("worker"), store.WithScheduler(scheduler.Zero()))
	require.NoError(t, err)
	defer worker.Destroy()

	receiver, err := NewReceiver(worker, uiMirror)
	require.NoError(t, err)
	sender, err := Attach(window, uiMirror, SenderConfig{
		Track:   store.Keys(selected, openList),
		Project: projectUI,
		Sink:    receiver,
		Window:  5 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, window.Dispatch(openNote.With("x.md")))
	require.NoError(t, window.Dispatch(openNote.With("y.md")))

	require.Eventually(t, func() bool {
		return ir.Equal(projectUI(window), uiMirror.Replica.Get(worker))
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, sender.Lost())
}

func TestReplica_FailedSendIsLostNotRetried(t *testing.T) {
	manual := scheduler.NewManual()
	window, err := store.New([]*store.Slice{uiSlice, uiMirror.Slice()},
		store.WithName("window"), store.WithScheduler(manual.Policy()))
	require.NoError(t, err)
	defer window.Destroy()

	var calls int
	var mu sync.Mutex
	sender, err := Attach(window, uiMirror, SenderConfig{
		Track:   store.Keys(selected, openList),
		Project: projectUI,
		Sink: SinkFunc(func(context.Context, Envelope) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return errors.New("worker terminated")
		}),
		Scheduler: manual.Policy(),
	})
	require.NoError(t, err)
	settle(manual)

	require.NoError(t, window.Dispatch(selectWorkspace.With("work")))
	settle(manual)

	require.Eventually(t, func() bool { return sender.Lost() == 1 }, time.Second, time.Millisecond)
	settle(manual)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Zero(t, sender.Sent())
}

func TestReplica_DeliveryStopsOnDestroy(t *testing.T) {
	c := newChannel(t, true)
	c.window.Destroy()

	select {
	case <-c.sender.Done():
	case <-time.After(time.Second):
		t.Fatal("delivery goroutine still running after destroy")
	}
	assert.ErrorIs(t, c.sender.Resync(), store.ErrDestroyed)
}

func encodeOps(t *testing.T, ops ...patch.Op) json.RawMessage {
	t.Helper()
	data, err := patch.Encode(ops)
	require.NoError(t, err)
	return data
}

func newWorker(t *testing.T) (*store.Store, *Receiver) {
	t.Helper()
	worker, err := store.New([]*store.Slice{uiMirror.Slice()},
		store.WithName("worker"), store.WithScheduler(scheduler.NewManual().Policy()))
	require.NoError(t, err)
	t.Cleanup(worker.Destroy)
	r, err := NewReceiver(worker, uiMirror)
	require.NoError(t, err)
	return worker, r
}

func TestReceiver_DropsStaleAndDuplicateIDs(t *testing.T) {
	worker, r := newWorker(t)
	ctx := context.Background()

	env := Envelope{ID: 1, Patches: encodeOps(t, patch.Op{Op: patch.Replace, Path: patch.Path{"selected"}, Value: ir.String("a")})}
	require.NoError(t, r.ReceivePatches(ctx, env))
	require.NoError(t, r.ReceivePatches(ctx, env))

	older := Envelope{ID: 1, Patches: encodeOps(t, patch.Op{Op: patch.Replace, Path: patch.Path{"selected"}, Value: ir.String("zzz")})}
	require.NoError(t, r.ReceivePatches(ctx, older))

	applied, dropped := r.Stats()
	assert.Equal(t, int64(1), applied)
	assert.Equal(t, int64(2), dropped)
	assert.Equal(t, ir.String("a"), uiMirror.Replica.Get(worker).(ir.Object)["selected"])
	assert.False(t, r.Stale())
}

func TestReceiver_GapMarksStaleUntilRootReplace(t *testing.T) {
	worker, r := newWorker(t)
	ctx := context.Background()

	require.NoError(t, r.ReceivePatches(ctx, Envelope{ID: 1, Patches: encodeOps(t)}))
	assert.False(t, r.Stale())

	gap := Envelope{ID: 3, Patches: encodeOps(t, patch.Op{Op: patch.Replace, Path: patch.Path{"selected"}, Value: ir.String("b")})}
	require.NoError(t, r.ReceivePatches(ctx, gap))
	assert.True(t, r.Stale())
	assert.Equal(t, uint64(3), r.LastID())

	// An incremental envelope does not clear staleness.
	require.NoError(t, r.ReceivePatches(ctx, Envelope{ID: 4, Patches: encodeOps(t)}))
	assert.True(t, r.Stale())

	full := ir.NewObject(ir.O("open", ir.Array{ir.String("n.md")}), ir.O("selected", ir.String("c")))
	require.NoError(t, r.ReceivePatches(ctx, Envelope{ID: 5, Patches: encodeOps(t, patch.Op{Op: patch.Replace, Path: patch.Path{}, Value: full})}))
	assert.False(t, r.Stale())
	assert.True(t, ir.Equal(full, uiMirror.Replica.Get(worker)))
}

func TestReceiver_DigestMismatchMarksStale(t *testing.T) {
	_, r := newWorker(t)

	env := Envelope{
		ID:      1,
		Patches: encodeOps(t, patch.Op{Op: patch.Replace, Path: patch.Path{"selected"}, Value: ir.String("a")}),
		Digest:  "sha256:not-the-digest",
	}
	require.NoError(t, r.ReceivePatches(context.Background(), env))
	assert.True(t, r.Stale())
}

func TestReceiver_RejectsMalformedEnvelopes(t *testing.T) {
	tests := []struct {
		name    string
		patches string
	}{
		{"undecodable", `{"op":"add"}`},
		{"unknown op", `[{"op":"move","path":["selected"]}]`},
		{"missing path", `[{"op":"remove","path":["nope"]}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worker, r := newWorker(t)
			before := uiMirror.Replica.Get(worker)

			err := r.ReceivePatches(context.Background(), Envelope{ID: 1, Patches: json.RawMessage(tt.patches)})
			require.Error(t, err)
			assert.True(t, r.Stale())
			assert.Equal(t, uint64(1), r.LastID())
			assert.True(t, ir.Equal(before, uiMirror.Replica.Get(worker)))
		})
	}
}

func TestReplica_ConfigErrors(t *testing.T) {
	bare, err := store.New([]*store.Slice{uiSlice}, store.WithScheduler(scheduler.NewManual().Policy()))
	require.NoError(t, err)
	defer bare.Destroy()

	_, err = NewReceiver(bare, uiMirror)
	assert.Equal(t, store.ErrCodeUnknownSlice, store.ConfigErrorCodeOf(err))

	_, err = Attach(bare, uiMirror, SenderConfig{Project: projectUI, Sink: SinkFunc(nil)})
	assert.Equal(t, store.ErrCodeUnknownSlice, store.ConfigErrorCodeOf(err))

	_, err = Attach(bare, uiMirror, SenderConfig{Project: projectUI})
	assert.Equal(t, store.ErrCodeInvalid, store.ConfigErrorCodeOf(err))
}
