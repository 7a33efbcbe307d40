package store

import (
	"maps"
	"slices"
)

// Reader is anything fields and derived fields can be read from: a *Store
// (its current state), a *State snapshot, or a *Tx inside an action.
type Reader interface {
	read(k Key) any
}

// State is an immutable snapshot of every field in a store.
type State struct {
	store  *Store
	values map[Key]any
	revs   map[Key]uint64
	rev    uint64
}

// Rev returns the revision that produced this snapshot. Revisions increase
// with every dispatch that changes at least one field.
func (st *State) Rev() uint64 {
	return st.rev
}

func (st *State) read(k Key) any {
	if _, ok := st.store.fields[k]; ok {
		return st.values[k]
	}
	if d, ok := st.store.derived[k]; ok {
		v, _ := st.derivedValue(d)
		return v
	}
	panic(configErr(ErrCodeUnknownKey, k, "read of unknown key"))
}

// revOf returns the revision at which k last changed.
func (st *State) revOf(k Key) uint64 {
	if _, ok := st.store.fields[k]; ok {
		return st.revs[k]
	}
	if d, ok := st.store.derived[k]; ok {
		_, rev := st.derivedValue(d)
		return rev
	}
	panic(configErr(ErrCodeUnknownKey, k, "read of unknown key"))
}

type memoEntry struct {
	value   any
	rev     uint64
	depRevs []uint64
}

// derivedValue returns the derived value and the revision at which it last
// changed. The memo is valid while every dependency revision is unchanged.
// A recompute that yields an equal value keeps the previous value and
// revision, so nothing downstream recomputes.
func (st *State) derivedValue(d *derivedDecl) (any, uint64) {
	depRevs := make([]uint64, len(d.deps))
	for i, dep := range d.deps {
		depRevs[i] = st.revOf(dep)
	}

	s := st.store
	s.memoMu.Lock()
	memo := s.memo[d.key]
	s.memoMu.Unlock()

	if memo != nil && slices.Equal(memo.depRevs, depRevs) {
		return memo.value, memo.rev
	}

	value := d.compute(scopedReader{state: st, owner: d.key, allowed: d.allowed})

	next := &memoEntry{value: value, depRevs: depRevs}
	if memo != nil && d.equal(memo.value, value) {
		next.value = memo.value
		next.rev = memo.rev
	} else {
		next.rev = s.nextRev()
	}

	s.memoMu.Lock()
	s.memo[d.key] = next
	s.memoMu.Unlock()

	return next.value, next.rev
}

func (st *State) with(changes map[Key]any, rev uint64) *State {
	next := &State{
		store:  st.store,
		values: maps.Clone(st.values),
		revs:   maps.Clone(st.revs),
		rev:    rev,
	}
	for k, v := range changes {
		next.values[k] = v
		next.revs[k] = rev
	}
	return next
}

// scopedReader is handed to derived computations. Reads outside the declared
// dependencies panic; an undeclared read would never invalidate the memo.
type scopedReader struct {
	state   *State
	owner   Key
	allowed map[Key]bool
}

func (r scopedReader) read(k Key) any {
	if !r.allowed[k] {
		panic(configErr(ErrCodeUndeclaredDependency, r.owner, "compute read undeclared key %s", k))
	}
	return r.state.read(k)
}

// Tx is the write scope of one action. Reads see the action's own writes
// layered over the state it started from; derived fields are read from
// that starting state.
type Tx struct {
	base   *State
	slice  string
	action string
	writes map[Key]any
	closed bool
}

func (tx *Tx) read(k Key) any {
	if v, ok := tx.writes[k]; ok {
		return v
	}
	return tx.base.read(k)
}

func (tx *Tx) write(k Key, v any) {
	if tx.closed {
		panic(configErr(ErrCodeInvalid, k, "write after action %s/%s returned", tx.slice, tx.action))
	}
	if _, ok := tx.base.store.fields[k]; !ok {
		panic(configErr(ErrCodeUnknownKey, k, "write of unknown field"))
	}
	if k.Slice != tx.slice {
		panic(configErr(ErrCodeOutOfScope, k, "action %s/%s may only write slice %q", tx.slice, tx.action, tx.slice))
	}
	tx.writes[k] = v
}
