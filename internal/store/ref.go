package store

import "sync"

type refID struct {
	name string
}

// RefKey names a per-store mutable cell. Refs are not part of the reactive
// graph: writing one never marks anything dirty.
type RefKey[T any] struct {
	id      *refID
	initial func() T
}

// NewRefKey declares a ref. init produces the initial value for each store.
func NewRefKey[T any](name string, init func() T) RefKey[T] {
	return RefKey[T]{id: &refID{name: name}, initial: init}
}

// Name returns the ref name.
func (k RefKey[T]) Name() string { return k.id.name }

// Of returns the store's instance of the ref, creating it on first use.
func (k RefKey[T]) Of(s *Store) *Ref[T] {
	s.refsMu.Lock()
	defer s.refsMu.Unlock()

	if r, ok := s.refs[k.id]; ok {
		return r.(*Ref[T])
	}
	var v T
	if k.initial != nil {
		v = k.initial()
	}
	r := &Ref[T]{value: v}
	s.refs[k.id] = r
	return r
}

// Ref is a mutable cell owned by one store.
type Ref[T any] struct {
	mu    sync.Mutex
	value T
}

// Get returns the current value.
func (r *Ref[T]) Get() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// Set replaces the value.
func (r *Ref[T]) Set(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = v
}

// Update replaces the value with fn applied to it and returns the result.
// fn runs under the ref's lock and must not touch the ref itself.
func (r *Ref[T]) Update(fn func(T) T) T {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = fn(r.value)
	return r.value
}

// Swap replaces the value and returns the previous one.
func (r *Ref[T]) Swap(v T) T {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.value
	r.value = v
	return old
}
