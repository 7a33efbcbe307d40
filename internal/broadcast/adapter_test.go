package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mirror/internal/ir"
	"github.com/roach88/mirror/internal/testutil"
)

// recorder is a Medium that keeps every published frame.
type recorder struct {
	*Hub
	mu     sync.Mutex
	frames [][]byte
}

func (r *recorder) Publish(channel string, data []byte) error {
	r.mu.Lock()
	r.frames = append(r.frames, data)
	r.mu.Unlock()
	return r.Hub.Publish(channel, data)
}

func newAdapter(t *testing.T, m Medium, id string, opts ...Option) *Adapter {
	t.Helper()
	opts = append([]Option{WithSenderID(id)}, opts...)
	a, err := New(context.Background(), m, "tabs", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAdapter_SelfFiltering(t *testing.T) {
	hub := NewHub()
	a := newAdapter(t, hub, "tab-a")
	b := newAdapter(t, hub, "tab-b")

	var onA, onB []string
	a.On("x", func(m Message) {
		var s string
		require.NoError(t, m.Decode(&s))
		onA = append(onA, s)
	})
	b.On("x", func(m Message) {
		var s string
		require.NoError(t, m.Decode(&s))
		onB = append(onB, s)
		assert.Equal(t, "tab-a", m.Sender.ID)
	})

	require.NoError(t, a.Emit("x", "y"))

	assert.Empty(t, onA, "an adapter never hears its own events")
	assert.Equal(t, []string{"y"}, onB)

	accepted, echoes, _ := a.Stats()
	assert.Equal(t, int64(0), accepted)
	assert.Equal(t, int64(1), echoes)
	accepted, echoes, _ = b.Stats()
	assert.Equal(t, int64(1), accepted)
	assert.Equal(t, int64(0), echoes)
}

func TestAdapter_EnvelopeFormat(t *testing.T) {
	rec := &recorder{Hub: NewHub()}
	clock := testutil.NewFakeClock()
	a := newAdapter(t, rec, "tab-1", WithClock(clock.Now))

	payload := ir.NewMap(ir.O("work", ir.NewTime(testutil.Epoch)))
	require.NoError(t, a.Emit("workspace-changed", payload))
	require.Len(t, rec.frames, 1)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "envelope", rec.frames[0])
}

func TestAdapter_IRPayloadRoundTrip(t *testing.T) {
	hub := NewHub()
	a := newAdapter(t, hub, "tab-a")
	b := newAdapter(t, hub, "tab-b")

	sent := ir.NewObject(
		ir.O("workspaces", ir.NewMap(ir.O("notes", ir.NewTime(testutil.Epoch)))),
		ir.O("tags", ir.NewSet("draft", "pinned")),
	)

	var got ir.Value
	b.Once("snapshot", func(m Message) {
		v, err := m.Value()
		require.NoError(t, err)
		got = v
	})
	require.NoError(t, a.Emit("snapshot", sent))

	require.NotNil(t, got)
	assert.True(t, ir.Equal(sent, got))
}

func TestAdapter_DiscardsMalformedEnvelopes(t *testing.T) {
	hub := NewHub()
	a := newAdapter(t, hub, "tab-a")

	var heard int
	a.On("x", func(Message) { heard++ })

	for _, frame := range []string{
		`not json`,
		`{"sender":{"timestamp":1},"payload":{"event":"x","payload":1}}`,
		`{"sender":{"id":"tab-z","timestamp":1},"payload":{"payload":1}}`,
	} {
		require.NoError(t, hub.Publish("tabs", []byte(frame)))
	}

	assert.Zero(t, heard)
	_, _, invalid := a.Stats()
	assert.Equal(t, int64(3), invalid)
}

func TestAdapter_GeneratesSenderID(t *testing.T) {
	hub := NewHub()
	a, err := New(context.Background(), hub, "tabs")
	require.NoError(t, err)
	defer a.Close()
	b, err := New(context.Background(), hub, "tabs")
	require.NoError(t, err)
	defer b.Close()

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestAdapter_ClosesWithContext(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	a, err := New(ctx, hub, "tabs", WithSenderID("tab-a"))
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers("tabs"))

	cancel()

	require.Eventually(t, a.Closed, time.Second, time.Millisecond)
	assert.Equal(t, 0, hub.Subscribers("tabs"))
	assert.ErrorIs(t, a.Emit("x", 1), ErrClosed)
	assert.NoError(t, a.Close())
}

func TestAdapter_CloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	a := newAdapter(t, hub, "tab-a")
	b := newAdapter(t, hub, "tab-b")

	var heard int
	a.On("x", func(Message) { heard++ })

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.NoError(t, b.Emit("x", nil))

	assert.Zero(t, heard)
	assert.Equal(t, 1, hub.Subscribers("tabs"))
}

func TestHub_Closed(t *testing.T) {
	hub := NewHub()
	require.NoError(t, hub.Close())

	assert.ErrorIs(t, hub.Publish("tabs", nil), ErrClosed)
	_, err := hub.Subscribe("tabs", func([]byte) {})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = New(context.Background(), hub, "tabs")
	assert.ErrorIs(t, err, ErrClosed)
}
