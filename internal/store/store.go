package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/mirror/internal/scheduler"
)

// Store is the composition root of one execution context: its slices, the
// current immutable state, the effect schedulers and the destroy signal.
type Store struct {
	name   string
	slices []*Slice

	sliceByName map[string]*Slice
	fields      map[Key]*fieldDecl
	derived     map[Key]*derivedDecl
	downstream  map[Key][]Key

	mu        sync.Mutex // serializes Dispatch and effect registration
	state     atomic.Pointer[State]
	rev       atomic.Uint64
	destroyed atomic.Bool

	memoMu sync.Mutex
	memo   map[Key]*memoEntry

	policy       scheduler.Policy
	defaultGroup *group
	groups       []*group
	effects      []*effect
	effectByName map[string]*effect
	runMu        sync.Mutex // one effect runs at a time

	ctx         context.Context
	cancel      context.CancelFunc
	destroyOnce sync.Once

	idleMu sync.Mutex
	busy   int
	idleCh chan struct{}

	refsMu sync.Mutex
	refs   map[*refID]any
}

// Option configures a Store.
type Option func(*options)

type options struct {
	name   string
	policy scheduler.Policy
	parent context.Context
}

// WithName labels the store in logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithScheduler sets the default effect scheduling policy.
// The default is scheduler.Default().
func WithScheduler(p scheduler.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithContext derives the store context from parent. Cancelling parent does
// not destroy the store, but effect contexts observe it.
func WithContext(parent context.Context) Option {
	return func(o *options) { o.parent = parent }
}

// New builds a store from slices and schedules the first run of every
// declared effect. It returns a *ConfigError for duplicate slice names,
// missing dependency slices, unknown or out-of-scope derived dependencies,
// unknown effect tracks and dependency cycles.
func New(slices []*Slice, opts ...Option) (*Store, error) {
	o := options{name: "store", policy: scheduler.Default(), parent: context.Background()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{
		name:         o.name,
		sliceByName:  make(map[string]*Slice, len(slices)),
		fields:       make(map[Key]*fieldDecl),
		derived:      make(map[Key]*derivedDecl),
		memo:         make(map[Key]*memoEntry),
		policy:       o.policy,
		effectByName: make(map[string]*effect),
		refs:         make(map[*refID]any),
	}

	ordered, err := orderSlices(slices)
	if err != nil {
		return nil, err
	}
	s.slices = ordered
	for _, sl := range ordered {
		s.sliceByName[sl.name] = sl
		for _, f := range sl.fields {
			s.fields[f.key] = f
		}
		for _, d := range sl.derived {
			s.derived[d.key] = d
		}
	}

	if err := s.validateDerived(); err != nil {
		return nil, err
	}
	s.downstream = s.buildDownstream()

	initial := &State{
		store:  s,
		values: make(map[Key]any, len(s.fields)),
		revs:   make(map[Key]uint64, len(s.fields)),
	}
	for k, f := range s.fields {
		initial.values[k] = f.initial
	}
	s.state.Store(initial)

	s.ctx, s.cancel = context.WithCancel(o.parent)
	s.defaultGroup = s.newGroup(s.policy)

	var specs []EffectSpec
	for _, sl := range ordered {
		specs = append(specs, sl.effects...)
	}
	declared := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if err := s.validateEffect(spec); err != nil {
			s.cancel()
			return nil, err
		}
		if declared[spec.Name] {
			s.cancel()
			return nil, configErr(ErrCodeDuplicateName, Key{Name: spec.Name}, "effect declared twice")
		}
		declared[spec.Name] = true
	}
	for _, spec := range specs {
		s.addEffect(spec)
	}

	slog.Debug("store created",
		"store", s.name,
		"slices", len(ordered),
		"fields", len(s.fields),
		"derived", len(s.derived),
		"effects", len(specs))

	for _, e := range s.effects {
		s.markDirty(e)
	}
	return s, nil
}

func orderSlices(slices []*Slice) ([]*Slice, error) {
	byName := make(map[string]*Slice, len(slices))
	g := newGraph()
	for _, sl := range slices {
		if _, dup := byName[sl.name]; dup {
			return nil, &ConfigError{Code: ErrCodeDuplicateSlice, Message: "slice name used twice", Slice: sl.name}
		}
		byName[sl.name] = sl
		g.addNode(sl.name)
	}
	for _, sl := range slices {
		for _, dep := range sl.deps {
			if _, ok := byName[dep]; !ok {
				return nil, &ConfigError{
					Code:    ErrCodeMissingDependency,
					Message: fmt.Sprintf("depends on missing slice %q", dep),
					Slice:   sl.name,
				}
			}
			g.addEdge(sl.name, dep)
		}
	}
	if cycles := g.cycles(); len(cycles) > 0 {
		return nil, &ConfigError{Code: ErrCodeDependencyCycle, Message: "slices " + describeCycle(cycles[0])}
	}

	names := g.order()
	out := make([]*Slice, len(names))
	for i, n := range names {
		out[i] = byName[n]
	}
	return out, nil
}

func (s *Store) validateDerived() error {
	g := newGraph()
	for _, sl := range s.slices {
		scope := make(map[string]bool, len(sl.deps)+1)
		scope[sl.name] = true
		for _, dep := range sl.deps {
			scope[dep] = true
		}
		for _, d := range sl.derived {
			g.addNode(d.key.String())
			for _, dep := range d.deps {
				if !s.known(dep) {
					return configErr(ErrCodeUnknownKey, d.key, "depends on unknown key %s", dep)
				}
				if !scope[dep.Slice] {
					return configErr(ErrCodeOutOfScope, d.key,
						"depends on %s outside slice %q and its declared dependencies", dep, sl.name)
				}
				if _, isDerived := s.derived[dep]; isDerived {
					g.addEdge(d.key.String(), dep.String())
				}
			}
		}
	}
	if cycles := g.cycles(); len(cycles) > 0 {
		return &ConfigError{Code: ErrCodeDependencyCycle, Message: "derived fields " + describeCycle(cycles[0])}
	}
	return nil
}

func (s *Store) buildDownstream() map[Key][]Key {
	readers := make(map[Key][]Key)
	for _, sl := range s.slices {
		for _, d := range sl.derived {
			for _, dep := range d.deps {
				readers[dep] = append(readers[dep], d.key)
			}
		}
	}

	out := make(map[Key][]Key)
	for k := range s.fields {
		out[k] = closure(k, readers)
	}
	for k := range s.derived {
		out[k] = closure(k, readers)
	}
	return out
}

func closure(start Key, readers map[Key][]Key) []Key {
	seen := map[Key]bool{start: true}
	queue := []Key{start}
	var out []Key
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		for _, r := range readers[k] {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
				queue = append(queue, r)
			}
		}
	}
	return out
}

func (s *Store) known(k Key) bool {
	if _, ok := s.fields[k]; ok {
		return true
	}
	_, ok := s.derived[k]
	return ok
}

func (s *Store) equalFor(k Key) func(a, b any) bool {
	if f, ok := s.fields[k]; ok {
		return f.equal
	}
	return s.derived[k].equal
}

func (s *Store) nextRev() uint64 {
	return s.rev.Add(1)
}

// Name returns the store label.
func (s *Store) Name() string {
	return s.name
}

// Slices returns the slice names in dependency order.
func (s *Store) Slices() []string {
	out := make([]string, len(s.slices))
	for i, sl := range s.slices {
		out[i] = sl.name
	}
	return out
}

// Snapshot returns the current immutable state.
func (s *Store) Snapshot() *State {
	return s.state.Load()
}

func (s *Store) read(k Key) any {
	return s.Snapshot().read(k)
}

// Context is cancelled when the store is destroyed.
func (s *Store) Context() context.Context {
	return s.ctx
}

// Destroyed reports whether Destroy has been called.
func (s *Store) Destroyed() bool {
	return s.destroyed.Load()
}

// Dispatch applies txn synchronously. Dispatches are processed strictly in
// call order. An unknown slice or action returns a *ConfigError; an error
// from the action discards its writes and is returned wrapped.
func (s *Store) Dispatch(txn Txn) error {
	dirty, err := s.applyLocked(txn)
	for _, g := range dirty {
		g.sched.Schedule(g.runFn)
	}
	return err
}

func (s *Store) applyLocked(txn Txn) ([]*group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(txn)
}

func (s *Store) apply(txn Txn) ([]*group, error) {
	if s.destroyed.Load() {
		return nil, ErrDestroyed
	}
	sl, ok := s.sliceByName[txn.Slice]
	if !ok {
		return nil, &ConfigError{Code: ErrCodeUnknownSlice, Message: "dispatch to unknown slice", Slice: txn.Slice, Name: txn.Action}
	}
	act, ok := sl.actions[txn.Action]
	if !ok {
		return nil, &ConfigError{Code: ErrCodeUnknownAction, Message: "dispatch of unknown action", Slice: txn.Slice, Name: txn.Action}
	}

	base := s.Snapshot()
	tx := &Tx{base: base, slice: sl.name, action: act.name, writes: make(map[Key]any)}
	err := act.apply(tx, txn.Payload)
	tx.closed = true
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", txn, err)
	}

	changes := make(map[Key]any)
	for k, v := range tx.writes {
		if !s.fields[k].equal(base.values[k], v) {
			changes[k] = v
		}
	}
	if len(changes) == 0 {
		slog.Debug("dispatch changed nothing", "store", s.name, "txn", txn.String())
		return nil, nil
	}

	next := base.with(changes, s.nextRev())
	s.state.Store(next)

	affected := make(map[Key]bool, len(changes))
	for k := range changes {
		affected[k] = true
		for _, d := range s.downstream[k] {
			affected[d] = true
		}
	}

	slog.Debug("dispatch applied",
		"store", s.name,
		"txn", txn.String(),
		"rev", next.rev,
		"changed", len(changes))

	var scheduled []*group
	for _, e := range s.effects {
		if e.tracks(affected) {
			if g := e.group.mark(e); g != nil {
				s.busyInc()
				scheduled = append(scheduled, g)
			}
		}
	}
	return scheduled, nil
}

// markDirty marks e dirty and schedules its group if it was clean.
func (s *Store) markDirty(e *effect) {
	if g := e.group.mark(e); g != nil {
		s.busyInc()
		g.sched.Schedule(g.runFn)
	}
}

// Destroy tears the store down: it cancels Context, runs every effect
// cleanup exactly once and stops timer schedulers. Destroy is idempotent
// and may be called from inside an effect.
func (s *Store) Destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.destroyed.Store(true)
		effects := append([]*effect(nil), s.effects...)
		groups := append([]*group(nil), s.groups...)
		s.mu.Unlock()

		s.cancel()
		for _, e := range effects {
			e.teardown()
		}
		for _, g := range groups {
			if st, ok := g.sched.(scheduler.Stopper); ok {
				st.Stop()
			}
		}

		s.idleMu.Lock()
		if s.idleCh != nil {
			close(s.idleCh)
			s.idleCh = nil
		}
		s.idleMu.Unlock()

		slog.Debug("store destroyed", "store", s.name, "effects", len(effects))
	})
}

func (s *Store) busyInc() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	s.busy++
	if s.idleCh == nil {
		s.idleCh = make(chan struct{})
	}
}

func (s *Store) busyDec() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	s.busy--
	if s.busy == 0 && s.idleCh != nil {
		close(s.idleCh)
		s.idleCh = nil
	}
}

// Idle blocks until no effect group is scheduled or running, the store is
// destroyed, or ctx is done.
func (s *Store) Idle(ctx context.Context) error {
	for {
		s.idleMu.Lock()
		if s.busy == 0 || s.destroyed.Load() {
			s.idleMu.Unlock()
			return nil
		}
		ch := s.idleCh
		s.idleMu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
