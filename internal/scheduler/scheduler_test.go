package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZero_CoalescesPendingSchedules(t *testing.T) {
	var spawned []func()
	s := &zeroScheduler{spawn: func(fn func()) { spawned = append(spawned, fn) }}

	runs := 0
	for i := 0; i < 5; i++ {
		s.Schedule(func() { runs++ })
	}
	require.Len(t, spawned, 1)

	spawned[0]()
	assert.Equal(t, 1, runs)

	s.Schedule(func() { runs++ })
	require.Len(t, spawned, 2)
}

func TestZero_ScheduleDuringRunRunsAgain(t *testing.T) {
	s := Zero()()

	done := make(chan int, 2)
	var runs atomic.Int32
	var run func()
	run = func() {
		n := runs.Add(1)
		if n == 1 {
			s.Schedule(run)
		}
		done <- int(n)
	}
	s.Schedule(run)

	for want := 1; want <= 2; want++ {
		select {
		case got := <-done:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("run %d never fired", want)
		}
	}
}

func TestManual_FlushRunsEachPendingOnce(t *testing.T) {
	m := NewManual()
	a := m.Policy()()
	b := m.Policy()()

	var order []string
	a.Schedule(func() { order = append(order, "a") })
	b.Schedule(func() { order = append(order, "b") })
	a.Schedule(func() { order = append(order, "a2") })

	require.Equal(t, 2, m.Pending())
	assert.Equal(t, 2, m.Flush())
	assert.Equal(t, []string{"a2", "b"}, order)
	assert.Equal(t, 0, m.Pending())
	assert.Equal(t, 0, m.Flush())
}

func TestManual_ScheduleDuringFlushWaits(t *testing.T) {
	m := NewManual()
	s := m.Policy()()

	runs := 0
	var run func()
	run = func() {
		runs++
		s.Schedule(run)
	}
	s.Schedule(run)

	m.Flush()
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, m.Pending())
	m.Flush()
	assert.Equal(t, 2, runs)
}

func TestBatch_CoalescesBurst(t *testing.T) {
	s := Batch(30 * time.Millisecond)()

	var runs atomic.Int32
	done := make(chan struct{}, 4)
	run := func() {
		runs.Add(1)
		done <- struct{}{}
	}

	start := time.Now()
	s.Schedule(run)
	s.Schedule(run)
	s.Schedule(run)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("batch never fired")
	}
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestBatch_StopCancelsPendingRun(t *testing.T) {
	s := Batch(20 * time.Millisecond)()

	var runs atomic.Int32
	s.Schedule(func() { runs.Add(1) })
	s.(Stopper).Stop()
	s.Schedule(func() { runs.Add(1) })

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
}

func TestFrame_FiresWithinOneInterval(t *testing.T) {
	s := Frame(10 * time.Millisecond)()

	done := make(chan struct{})
	start := time.Now()
	s.Schedule(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("frame never fired")
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestFromName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"zero", false},
		{"frame", false},
		{"default", false},
		{"", false},
		{"batch", false},
		{"idle", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := FromName(tt.name, 5*time.Millisecond)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, p())
		})
	}
}
