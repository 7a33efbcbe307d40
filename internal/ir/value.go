package ir

import (
	"fmt"
	"slices"
	"time"
	"unicode/utf16"
)

// Value is a sealed interface representing replica value types.
// Only Null, String, Int, Bool, Array, Object, Map, Set and Time implement it.
// NO Float - floats are forbidden (digests must be deterministic).
type Value interface {
	irValue() // Sealed - only these types implement it
}

// Null represents an explicit null.
type Null struct{}

func (Null) irValue() {}

// String is a string leaf.
type String string

func (String) irValue() {}

// Int is an integer leaf. Always int64, never float64.
type Int int64

func (Int) irValue() {}

// Bool is a boolean leaf.
type Bool bool

func (Bool) irValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) irValue() {}

// Object is a record with string keys. Use SortedKeys() for deterministic
// iteration.
type Object map[string]Value

func (Object) irValue() {}

// Map is a keyed collection. It behaves like Object structurally but is kept
// distinct on the wire so a receiver rebuilds a Map, not a record.
type Map map[string]Value

func (Map) irValue() {}

// Set is an unordered collection of distinct string members.
type Set map[string]struct{}

func (Set) irValue() {}

// Time is an instant. Compared with time.Time.Equal, encoded in UTC.
type Time time.Time

func (Time) irValue() {}

// NewSet creates a Set from its members.
func NewSet(members ...string) Set {
	s := make(Set, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

// Members returns set members in canonical order.
func (s Set) Members() []string {
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	slices.SortFunc(out, compareKeysRFC8785)
	return out
}

// Has reports membership.
func (s Set) Has(m string) bool {
	_, ok := s[m]
	return ok
}

// NewTime wraps a time.Time.
func NewTime(t time.Time) Time {
	return Time(t)
}

// Std returns the wrapped time.Time.
func (t Time) Std() time.Time {
	return time.Time(t)
}

// Pair is a key-value pair for typed Object construction.
type Pair struct {
	Key   string
	Value Value
}

// O is a shorthand for Pair.
// Example: NewObject(O("name", String("notes")), O("count", Int(5)))
func O(key string, value Value) Pair {
	return Pair{Key: key, Value: value}
}

// NewObject creates an Object from typed pairs.
func NewObject(pairs ...Pair) Object {
	obj := make(Object, len(pairs))
	for _, p := range pairs {
		obj[p.Key] = p.Value
	}
	return obj
}

// NewMap creates a Map from typed pairs.
func NewMap(pairs ...Pair) Map {
	m := make(Map, len(pairs))
	for _, p := range pairs {
		m[p.Key] = p.Value
	}
	return m
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
func (obj Object) SortedKeys() []string {
	return sortedKeys(obj)
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
func (m Map) SortedKeys() []string {
	return sortedKeys(m)
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// CompareKeys orders keys the way Object.SortedKeys does.
func CompareKeys(a, b string) int {
	return compareKeysRFC8785(a, b)
}

// compareKeysRFC8785 compares strings using UTF-16 code unit ordering
// as required by RFC 8785. Go's default string comparison uses UTF-8 which
// orders U+E000 and U+10000 differently.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// Equal reports whether two values are structurally equal.
// A nil Value equals only nil or Null.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return isNull(a) && isNull(b)
	}
	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Time:
		bv, ok := b.(Time)
		return ok && av.Std().Equal(bv.Std())
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		return ok && equalEntries(av, bv)
	case Map:
		bv, ok := b.(Map)
		return ok && equalEntries(av, bv)
	case Set:
		bv, ok := b.(Set)
		if !ok || len(av) != len(bv) {
			return false
		}
		for m := range av {
			if !bv.Has(m) {
				return false
			}
		}
		return true
	}
	return false
}

func isNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

func equalEntries(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}

// Kind names the dynamic type of a value, for diagnostics.
func Kind(v Value) string {
	switch v.(type) {
	case nil, Null:
		return "null"
	case String:
		return "string"
	case Int:
		return "int"
	case Bool:
		return "bool"
	case Array:
		return "array"
	case Object:
		return "object"
	case Map:
		return "map"
	case Set:
		return "set"
	case Time:
		return "time"
	}
	return fmt.Sprintf("%T", v)
}

// FromGo converts a plain Go value to a Value.
//
// Accepted: nil, Value, string, bool, int, int32, int64, time.Time, []string
// (as Array), []any, map[string]any (as Object). Floats are rejected.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case time.Time:
		return Time(val), nil
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden: %v", val)
	case []string:
		arr := make(Array, len(val))
		for i, s := range val {
			arr[i] = String(s)
		}
		return arr, nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
