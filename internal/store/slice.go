package store

import (
	"fmt"
	"reflect"

	"github.com/roach88/mirror/internal/scheduler"
)

// Key identifies a field or derived field.
type Key struct {
	Slice string
	Name  string
}

// String renders the key as slice.name.
func (k Key) String() string {
	return k.Slice + "." + k.Name
}

// Keyed is implemented by Field and Derived.
type Keyed interface {
	Key() Key
}

// Keys collects the keys of fields and derived fields, for dependency and
// track lists.
func Keys(ks ...Keyed) []Key {
	out := make([]Key, len(ks))
	for i, k := range ks {
		out[i] = k.Key()
	}
	return out
}

// Slice is a named, versioned group of fields, derived fields, actions and
// effects. It declares the slices it depends on; derived fields may read
// keys from their own slice and from those dependencies.
type Slice struct {
	name    string
	version int
	deps    []string

	fields   []*fieldDecl
	derived  []*derivedDecl
	actions  map[string]*actionDecl
	effects  []EffectSpec
	declared map[string]bool
}

// NewSlice declares a slice. deps name the slices this slice reads from.
func NewSlice(name string, deps ...string) *Slice {
	if name == "" {
		panic(&ConfigError{Code: ErrCodeInvalid, Message: "slice name is empty"})
	}
	return &Slice{
		name:     name,
		version:  1,
		deps:     append([]string(nil), deps...),
		actions:  make(map[string]*actionDecl),
		declared: make(map[string]bool),
	}
}

// WithVersion sets the slice version and returns the slice.
func (s *Slice) WithVersion(v int) *Slice {
	s.version = v
	return s
}

// Name returns the slice name.
func (s *Slice) Name() string { return s.name }

// Version returns the slice version.
func (s *Slice) Version() int { return s.version }

// Deps returns the names of the slices this slice depends on.
func (s *Slice) Deps() []string { return append([]string(nil), s.deps...) }

func (s *Slice) claim(kind, name string) {
	if name == "" {
		panic(&ConfigError{Code: ErrCodeInvalid, Message: kind + " name is empty", Slice: s.name})
	}
	id := kind + ":" + name
	if kind == "derived" {
		id = "field:" + name
	}
	if s.declared[id] {
		panic(&ConfigError{
			Code:    ErrCodeDuplicateName,
			Message: fmt.Sprintf("%s declared twice", kind),
			Slice:   s.name,
			Name:    name,
		})
	}
	s.declared[id] = true
}

type fieldDecl struct {
	key     Key
	initial any
	equal   func(a, b any) bool
}

type derivedDecl struct {
	key     Key
	deps    []Key
	allowed map[Key]bool
	compute func(Reader) any
	equal   func(a, b any) bool
}

// Field is a typed state slot. Only actions of the owning slice write it.
type Field[T any] struct {
	key Key
}

// Key returns the field's key.
func (f Field[T]) Key() Key { return f.key }

// Get reads the field. It panics with *ConfigError if r does not know the
// field (its slice is not part of the store).
func (f Field[T]) Get(r Reader) T {
	return as[T](r.read(f.key))
}

// Set writes the field within an action of the owning slice.
func (f Field[T]) Set(tx *Tx, v T) {
	tx.write(f.key, v)
}

// Update replaces the field with fn applied to its current value.
func (f Field[T]) Update(tx *Tx, fn func(T) T) {
	tx.write(f.key, fn(f.Get(tx)))
}

// FieldOption configures a field or derived field.
type FieldOption[T any] func(*fieldConfig[T])

type fieldConfig[T any] struct {
	equal func(a, b T) bool
}

// WithEqual sets the equality used to decide whether a value changed.
// The default is == for comparable values and identity for maps, slices,
// pointers, channels and funcs.
func WithEqual[T any](eq func(a, b T) bool) FieldOption[T] {
	return func(c *fieldConfig[T]) { c.equal = eq }
}

func buildEqual[T any](opts []FieldOption[T]) func(a, b any) bool {
	var cfg fieldConfig[T]
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.equal == nil {
		return defaultEqual
	}
	eq := cfg.equal
	return func(a, b any) bool { return eq(as[T](a), as[T](b)) }
}

// DefineField declares a field with its initial value.
func DefineField[T any](s *Slice, name string, initial T, opts ...FieldOption[T]) Field[T] {
	s.claim("field", name)
	key := Key{Slice: s.name, Name: name}
	s.fields = append(s.fields, &fieldDecl{
		key:     key,
		initial: initial,
		equal:   buildEqual(opts),
	})
	return Field[T]{key: key}
}

// Derived is a memoized pure computation over other keys.
type Derived[T any] struct {
	key Key
}

// Key returns the derived field's key.
func (d Derived[T]) Key() Key { return d.key }

// Get reads the derived value, recomputing it only if a dependency changed
// since the last computation.
func (d Derived[T]) Get(r Reader) T {
	return as[T](r.read(d.key))
}

// DefineDerived declares a derived field. deps lists every key compute reads;
// reading any other key from compute panics.
func DefineDerived[T any](s *Slice, name string, deps []Key, compute func(r Reader) T, opts ...FieldOption[T]) Derived[T] {
	s.claim("derived", name)
	key := Key{Slice: s.name, Name: name}
	allowed := make(map[Key]bool, len(deps))
	for _, k := range deps {
		allowed[k] = true
	}
	s.derived = append(s.derived, &derivedDecl{
		key:     key,
		deps:    append([]Key(nil), deps...),
		allowed: allowed,
		compute: func(r Reader) any { return compute(r) },
		equal:   buildEqual(opts),
	})
	return Derived[T]{key: key}
}

type actionDecl struct {
	slice string
	name  string
	apply func(tx *Tx, payload any) error
}

// Action is a named state transition on one slice.
type Action[P any] struct {
	slice string
	name  string
}

// Txn is a dispatchable action with its payload.
type Txn struct {
	Slice   string
	Action  string
	Payload any
}

// NewTxn builds a transaction by name. Prefer Action.With.
func NewTxn(slice, action string, payload any) Txn {
	return Txn{Slice: slice, Action: action, Payload: payload}
}

// String renders the transaction as slice/action for logs.
func (t Txn) String() string {
	return t.Slice + "/" + t.Action
}

// With binds a payload to the action.
func (a Action[P]) With(p P) Txn {
	return Txn{Slice: a.slice, Action: a.name, Payload: p}
}

// Name returns the action name.
func (a Action[P]) Name() string { return a.name }

// DefineAction declares an action. apply receives a transaction scoped to the
// slice; returning an error discards every write it made.
func DefineAction[P any](s *Slice, name string, apply func(tx *Tx, payload P) error) Action[P] {
	s.claim("action", name)
	s.actions[name] = &actionDecl{
		slice: s.name,
		name:  name,
		apply: func(tx *Tx, payload any) error {
			p, ok := payload.(P)
			if !ok && payload != nil {
				return &ConfigError{
					Code:    ErrCodePayloadType,
					Message: fmt.Sprintf("payload is %T, want %T", payload, p),
					Slice:   s.name,
					Name:    name,
				}
			}
			return apply(tx, p)
		},
	}
	return Action[P]{slice: s.name, name: name}
}

// DefineEffect declares an effect on the slice. The effect is registered on
// every store built from the slice under the name slice.name.
func DefineEffect(s *Slice, name string, track []Key, run EffectFunc, opts ...EffectOption) {
	s.claim("effect", name)
	spec := EffectSpec{
		Name:  s.name + "." + name,
		Track: append([]Key(nil), track...),
		Run:   run,
	}
	for _, opt := range opts {
		opt(&spec)
	}
	s.effects = append(s.effects, spec)
}

// EffectOption configures an effect.
type EffectOption func(*EffectSpec)

// WithEffectScheduler runs the effect under its own scheduler instead of the
// store default.
func WithEffectScheduler(p scheduler.Policy) EffectOption {
	return func(spec *EffectSpec) { spec.Scheduler = p }
}

func as[T any](v any) T {
	t, _ := v.(T)
	return t
}

func defaultEqual(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() {
		return !va.IsValid() && !vb.IsValid()
	}
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}
	if !va.Comparable() || !vb.Comparable() {
		return false
	}
	return va.Equal(vb)
}
