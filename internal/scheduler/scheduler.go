// Package scheduler decides when a store's dirty effects run.
//
// A Scheduler receives run callbacks and guarantees each is invoked at least
// once after scheduling. Every policy coalesces: Schedule called again before
// the pending run fires does not cause a second run, while Schedule called
// after the run has started causes exactly one more.
//
// Policies:
//   - Zero: next tick (a fresh goroutine). Deterministic enough for tests that
//     wait on the store going idle.
//   - Manual: runs only when the test calls Flush.
//   - Frame / Default: fires at the next frame boundary, like an animation
//     frame. The production default.
//   - Batch: fixed delay from the first schedule of a burst. Used by the
//     replication sender to turn a burst of changes into one message.
package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFrameInterval is the frame length used by Default.
const DefaultFrameInterval = 16 * time.Millisecond

// Scheduler defers run until the policy says it is time.
type Scheduler interface {
	Schedule(run func())
}

// Stopper is implemented by schedulers that hold timers. After Stop no
// pending or future run fires.
type Stopper interface {
	Stop()
}

// Policy creates one Scheduler per effect group.
type Policy func() Scheduler

// Zero returns the next-tick policy.
func Zero() Policy {
	return func() Scheduler { return &zeroScheduler{spawn: goSpawn} }
}

func goSpawn(fn func()) { go fn() }

type zeroScheduler struct {
	pending atomic.Bool
	spawn   func(func())
}

func (z *zeroScheduler) Schedule(run func()) {
	if !z.pending.CompareAndSwap(false, true) {
		return
	}
	z.spawn(func() {
		// Clear before running so a schedule from inside run is not lost.
		z.pending.Store(false)
		run()
	})
}

// Frame returns a policy firing at the next multiple of interval on the wall
// clock.
func Frame(interval time.Duration) Policy {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return func() Scheduler {
		return newTimerScheduler(func(now time.Time) time.Duration {
			return interval - time.Duration(now.UnixNano()%int64(interval))
		})
	}
}

// Default is Frame(DefaultFrameInterval).
func Default() Policy {
	return Frame(DefaultFrameInterval)
}

// Batch returns a policy firing window after the first schedule of a burst.
// Schedules arriving while a run is pending join it.
func Batch(window time.Duration) Policy {
	return func() Scheduler {
		return newTimerScheduler(func(time.Time) time.Duration { return window })
	}
}

type timerScheduler struct {
	mu      sync.Mutex
	delay   func(now time.Time) time.Duration
	pending bool
	stopped bool
	timer   *time.Timer
	run     func()
}

func newTimerScheduler(delay func(now time.Time) time.Duration) *timerScheduler {
	return &timerScheduler{delay: delay}
}

func (s *timerScheduler) Schedule(run func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.run = run
	if s.pending {
		return
	}
	s.pending = true
	s.timer = time.AfterFunc(s.delay(time.Now()), s.fire)
}

func (s *timerScheduler) fire() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = false
	run := s.run
	s.mu.Unlock()

	run()
}

func (s *timerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

// Manual is a test clock for effects: nothing runs until Flush.
type Manual struct {
	mu    sync.Mutex
	queue []*manualScheduler
}

// NewManual creates a manual scheduler hub.
func NewManual() *Manual {
	return &Manual{}
}

// Policy returns a policy whose schedulers queue on m.
func (m *Manual) Policy() Policy {
	return func() Scheduler { return &manualScheduler{hub: m} }
}

// Flush runs every pending run once, in the order they were first scheduled,
// on the calling goroutine. Runs scheduled during the flush wait for the next
// Flush. It returns the number of runs executed.
func (m *Manual) Flush() int {
	m.mu.Lock()
	batch := m.queue
	m.queue = nil
	runs := make([]func(), len(batch))
	for i, s := range batch {
		s.pending = false
		runs[i] = s.run
	}
	m.mu.Unlock()

	for _, run := range runs {
		run()
	}
	return len(runs)
}

// Pending returns the number of schedulers waiting for Flush.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

type manualScheduler struct {
	hub     *Manual
	pending bool
	run     func()
}

func (s *manualScheduler) Schedule(run func()) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	s.run = run
	if s.pending {
		return
	}
	s.pending = true
	s.hub.queue = append(s.hub.queue, s)
}

// FromName resolves a policy name as used in configuration files.
// window is the batch window and the frame interval.
func FromName(name string, window time.Duration) (Policy, error) {
	switch name {
	case "zero":
		return Zero(), nil
	case "frame", "default", "":
		return Frame(window), nil
	case "batch":
		return Batch(window), nil
	default:
		return nil, fmt.Errorf("unknown scheduler policy %q", name)
	}
}
