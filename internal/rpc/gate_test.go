package rpc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type calculator struct {
	calls []int
}

func (c *calculator) square(n int) (int, error) {
	c.calls = append(c.calls, n)
	return n * n, nil
}

func square(g *Gate[*calculator], n int) *Future[int] {
	return Call(g, "square", func(c *calculator) (int, error) { return c.square(n) })
}

func TestGate_QueuesThenFlushesInOrder(t *testing.T) {
	h := NewHandle[*calculator]("calc")
	g := h.Gate()

	f1 := square(g, 1)
	f2 := square(g, 2)
	f3 := square(g, 3)
	assert.Equal(t, 3, g.Pending())
	assert.False(t, f1.Settled())

	target := &calculator{}
	h.Set(target)

	assert.Equal(t, []int{1, 2, 3}, target.calls)
	for i, f := range []*Future[int]{f1, f2, f3} {
		v, err := f.Result()
		require.NoError(t, err)
		assert.Equal(t, (i+1)*(i+1), v)
	}
	assert.Equal(t, 0, g.Pending())
}

func TestGate_PassThroughAfterReady(t *testing.T) {
	h := NewHandle[*calculator]("calc")
	g := h.Gate()
	target := &calculator{}
	h.Set(target)

	f := square(g, 4)

	// Settled before Call returned: no queue indirection.
	assert.True(t, f.Settled())
	assert.Equal(t, []int{4}, target.calls)
	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 16, v)
}

func TestGate_ReadyWithoutTargetRejects(t *testing.T) {
	h := NewHandle[*calculator]("calc")
	g := h.Gate()

	f := square(g, 1)
	h.Ready().Emit(EventReady, struct{}{})

	_, err := f.Result()
	require.Error(t, err)
	assert.True(t, IsReadinessError(err))

	var re *ReadinessError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "square", re.Method)
	assert.Contains(t, err.Error(), "marked ready but target missing")
}

func TestGate_CallsDuringDrainQueueBehind(t *testing.T) {
	h := NewHandle[*calculator]("calc")
	g := h.Gate()
	target := &calculator{}

	var late *Future[int]
	first := Call(g, "first", func(c *calculator) (int, error) {
		late = square(g, 9)
		return c.square(1)
	})
	second := square(g, 2)

	h.Set(target)

	assert.Equal(t, []int{1, 2, 9}, target.calls)
	for _, f := range []*Future[int]{first, second, late} {
		assert.True(t, f.Settled())
	}
}

func TestGate_ClearQueuesAgain(t *testing.T) {
	h := NewHandle[*calculator]("calc")
	g := h.Gate()
	first := &calculator{}
	h.Set(first)
	h.Clear()

	f := square(g, 5)
	assert.False(t, f.Settled())

	second := &calculator{}
	h.Set(second)

	assert.Empty(t, first.calls)
	assert.Equal(t, []int{5}, second.calls)
}

func TestGate_ClearDuringDrainKeepsLaterCallsQueued(t *testing.T) {
	h := NewHandle[*calculator]("calc")
	g := h.Gate()

	started := make(chan struct{})
	release := make(chan struct{})
	blocked := Call(g, "block", func(c *calculator) (int, error) {
		close(started)
		<-release
		return c.square(1)
	})

	first := &calculator{}
	drained := make(chan struct{})
	go func() {
		h.Set(first)
		close(drained)
	}()

	<-started
	h.Clear()
	later := square(g, 7)
	close(release)
	<-drained

	_, err := blocked.Result()
	require.NoError(t, err)
	assert.False(t, later.Settled(), "the target was cleared, not marked ready while missing")
	assert.Equal(t, 1, g.Pending())
	assert.Equal(t, []int{1}, first.calls)

	second := &calculator{}
	h.Set(second)
	v, err := later.Result()
	require.NoError(t, err)
	assert.Equal(t, 49, v)
	assert.Equal(t, []int{7}, second.calls)
}

func TestGate_TargetErrorsPropagate(t *testing.T) {
	h := NewHandle[*calculator]("calc")
	g := h.Gate()
	boom := errors.New("worker crashed")

	f := Call(g, "explode", func(*calculator) (Void, error) { return Void{}, boom })
	h.Set(&calculator{})

	_, err := f.Result()
	assert.ErrorIs(t, err, boom)
}

func TestGate_Target(t *testing.T) {
	t.Run("strict", func(t *testing.T) {
		h := NewHandle[*calculator]("calc")
		g := h.Gate(Strict())

		_, err := g.Target()
		assert.ErrorIs(t, err, ErrNotCallable)

		target := &calculator{}
		h.Set(target)
		got, err := g.Target()
		require.NoError(t, err)
		assert.Same(t, target, got)
	})

	t.Run("lenient", func(t *testing.T) {
		h := NewHandle[*calculator]("calc")
		g := h.Gate()

		got, err := g.Target()
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestGate_CloseRejectsQueued(t *testing.T) {
	h := NewHandle[*calculator]("calc")
	g := h.Gate()

	f := square(g, 1)
	g.Close()
	g.Close()

	_, err := f.Result()
	assert.ErrorIs(t, err, ErrGateClosed)

	h.Set(&calculator{})
	_, err = square(g, 2).Result()
	assert.ErrorIs(t, err, ErrGateClosed)
	assert.Equal(t, 0, h.Ready().ListenerCount(EventReady))
}

func TestGate_ReadyFromAnotherGoroutine(t *testing.T) {
	h := NewHandle[*calculator]("calc")
	g := h.Gate()

	futures := make([]*Future[int], 10)
	for i := range futures {
		futures[i] = square(g, i)
	}

	target := &calculator{}
	go h.Set(target)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i, f := range futures {
		v, err := f.Await(ctx)
		require.NoError(t, err, fmt.Sprintf("call %d", i))
		assert.Equal(t, i*i, v)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, target.calls)
}

func TestFuture_AwaitHonorsContext(t *testing.T) {
	f := newFuture[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = f.Result()
	assert.ErrorIs(t, err, ErrPending)
}

func TestFuture_SettlesOnce(t *testing.T) {
	f := newFuture[string]()
	f.settle("first", nil)
	f.settle("second", nil)
	f.reject(errors.New("late"))

	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	r, err := Rejected[int](errors.New("x")).Result()
	assert.Error(t, err)
	assert.Zero(t, r)

	v, err = Resolved("ok").Result()
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
