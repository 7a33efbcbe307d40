package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/mirror/internal/scheduler"
)

// EffectFunc is the body of an effect. It may dispatch actions, register
// cleanups and start goroutines bound to ec.Context(). A returned error is
// logged; it does not stop other effects.
type EffectFunc func(ec *EffectContext) error

// EffectSpec describes an effect registered on a store.
type EffectSpec struct {
	// Name is unique within the store.
	Name string

	// Track lists the keys whose changes make the effect dirty.
	Track []Key

	// Run is the effect body.
	Run EffectFunc

	// Scheduler overrides the store default policy when non-nil.
	Scheduler scheduler.Policy
}

// EffectContext is handed to each effect run.
type EffectContext struct {
	store  *Store
	effect *effect
	ctx    context.Context
	state  *State
	run    int
}

// Context is cancelled before the effect's next run and on teardown.
func (ec *EffectContext) Context() context.Context { return ec.ctx }

// Store returns the owning store.
func (ec *EffectContext) Store() *Store { return ec.store }

// State returns the snapshot the effect is running against.
func (ec *EffectContext) State() *State { return ec.state }

// Run returns the 1-based invocation count of this effect.
func (ec *EffectContext) Run() int { return ec.run }

// Name returns the effect name.
func (ec *EffectContext) Name() string { return ec.effect.spec.Name }

// Dispatch dispatches on the owning store.
func (ec *EffectContext) Dispatch(txn Txn) error {
	return ec.store.Dispatch(txn)
}

// OnCleanup registers fn to run before the next run of this effect or on
// teardown, whichever comes first. Cleanups run in reverse registration
// order. Registering after teardown runs fn immediately.
func (ec *EffectContext) OnCleanup(fn func()) {
	ec.effect.addCleanup(fn)
}

type effect struct {
	spec  EffectSpec
	group *group
	store *Store

	// Only touched by the goroutine holding store.runMu.
	ran      bool
	lastSeen []any
	runs     int

	mu       sync.Mutex
	cleanups []func()
	cancel   context.CancelFunc
	torndown bool
}

func (e *effect) tracks(affected map[Key]bool) bool {
	for _, k := range e.spec.Track {
		if affected[k] {
			return true
		}
	}
	return false
}

func (e *effect) addCleanup(fn func()) {
	e.mu.Lock()
	if e.torndown {
		e.mu.Unlock()
		fn()
		return
	}
	e.cleanups = append(e.cleanups, fn)
	e.mu.Unlock()
}

// release takes the pending cleanups and cancels the current run context.
// Each cleanup is handed out exactly once.
func (e *effect) release() []func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	fns := e.cleanups
	e.cleanups = nil
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	return fns
}

func (e *effect) teardown() {
	e.mu.Lock()
	if e.torndown {
		e.mu.Unlock()
		return
	}
	e.torndown = true
	e.mu.Unlock()

	runCleanups(e.store.name, e.spec.Name, e.release())
}

func runCleanups(storeName, effectName string, fns []func()) {
	for i := len(fns) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("effect cleanup panicked",
						"store", storeName,
						"effect", effectName,
						"panic", r)
				}
			}()
			fns[i]()
		}()
	}
}

// group is the set of effects sharing one scheduler instance.
type group struct {
	store *Store
	sched scheduler.Scheduler
	runFn func()

	mu        sync.Mutex
	members   []*effect
	dirty     map[*effect]bool
	scheduled bool
}

func (s *Store) newGroup(p scheduler.Policy) *group {
	g := &group{
		store: s,
		sched: p(),
		dirty: make(map[*effect]bool),
	}
	g.runFn = func() { s.runGroup(g) }
	s.groups = append(s.groups, g)
	return g
}

// mark flags e dirty. It returns g when the group went from clean to
// scheduled, in which case the caller must hand it to the scheduler.
func (g *group) mark(e *effect) *group {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.dirty[e] = true
	if g.scheduled {
		return nil
	}
	g.scheduled = true
	return g
}

func (g *group) take() []*effect {
	g.mu.Lock()
	defer g.mu.Unlock()

	var batch []*effect
	for _, e := range g.members {
		if g.dirty[e] {
			batch = append(batch, e)
		}
	}
	clear(g.dirty)
	g.scheduled = false
	return batch
}

func (s *Store) runGroup(g *group) {
	defer s.busyDec()

	s.runMu.Lock()
	defer s.runMu.Unlock()

	batch := g.take()
	for _, e := range batch {
		if s.destroyed.Load() {
			return
		}
		s.runEffect(e)
	}
}

func (s *Store) runEffect(e *effect) {
	state := s.Snapshot()

	seen := make([]any, len(e.spec.Track))
	for i, k := range e.spec.Track {
		seen[i] = state.read(k)
	}
	if e.ran && s.sameAsLastRun(e, seen) {
		slog.Debug("effect skipped, tracked values unchanged",
			"store", s.name,
			"effect", e.spec.Name)
		return
	}
	e.ran = true
	e.lastSeen = seen

	runCleanups(s.name, e.spec.Name, e.release())

	e.mu.Lock()
	if e.torndown {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	e.cancel = cancel
	e.mu.Unlock()

	e.runs++
	ec := &EffectContext{store: s, effect: e, ctx: ctx, state: state, run: e.runs}

	slog.Debug("effect run",
		"store", s.name,
		"effect", e.spec.Name,
		"run", e.runs,
		"rev", state.rev)

	if err := safeRun(e.spec.Run, ec); err != nil {
		slog.Error("effect failed",
			"store", s.name,
			"effect", e.spec.Name,
			"run", e.runs,
			"error", err)
	}
}

func (s *Store) sameAsLastRun(e *effect, seen []any) bool {
	for i, k := range e.spec.Track {
		if !s.equalFor(k)(e.lastSeen[i], seen[i]) {
			return false
		}
	}
	return true
}

func safeRun(fn EffectFunc, ec *EffectContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("effect panicked: %v", r)
		}
	}()
	return fn(ec)
}

// RegisterEffect attaches an effect after construction and schedules its
// first run. A duplicate name or an unknown tracked key returns a
// *ConfigError.
func (s *Store) RegisterEffect(spec EffectSpec) error {
	s.mu.Lock()
	if s.destroyed.Load() {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if err := s.validateEffect(spec); err != nil {
		s.mu.Unlock()
		return err
	}
	e := s.addEffect(spec)
	s.mu.Unlock()

	slog.Debug("effect registered", "store", s.name, "effect", spec.Name, "tracks", len(spec.Track))
	s.markDirty(e)
	return nil
}

func (s *Store) validateEffect(spec EffectSpec) error {
	key := Key{Name: spec.Name}
	if spec.Name == "" {
		return configErr(ErrCodeInvalid, key, "effect name is empty")
	}
	if spec.Run == nil {
		return configErr(ErrCodeInvalid, key, "effect has no run function")
	}
	if _, dup := s.effectByName[spec.Name]; dup {
		return configErr(ErrCodeDuplicateName, key, "effect registered twice")
	}
	for _, k := range spec.Track {
		if !s.known(k) {
			return configErr(ErrCodeUnknownKey, key, "effect tracks unknown key %s", k)
		}
	}
	return nil
}

func (s *Store) addEffect(spec EffectSpec) *effect {
	spec.Track = slices.Clone(spec.Track)
	e := &effect{spec: spec, store: s}

	g := s.defaultGroup
	if spec.Scheduler != nil {
		g = s.newGroup(spec.Scheduler)
	}
	g.mu.Lock()
	g.members = append(g.members, e)
	g.mu.Unlock()

	e.group = g
	s.effects = append(s.effects, e)
	s.effectByName[spec.Name] = e
	return e
}
