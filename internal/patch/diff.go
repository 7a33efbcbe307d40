package patch

import (
	"slices"

	"github.com/roach88/mirror/internal/ir"
)

// Diff returns the ops that turn a into b.
//
// Objects and maps are compared key by key (keys in canonical order), arrays
// index by index with tail adds/removes, sets by membership. Any other change,
// including a change of kind, is a Replace of the whole node.
// Equal inputs produce a nil slice.
func Diff(a, b ir.Value) []Op {
	var ops []Op
	diffValue(&ops, Path{}, a, b)
	return ops
}

func diffValue(ops *[]Op, path Path, a, b ir.Value) {
	if ir.Equal(a, b) {
		return
	}
	switch av := a.(type) {
	case ir.Object:
		if bv, ok := b.(ir.Object); ok {
			diffEntries(ops, path, av, bv)
			return
		}
	case ir.Map:
		if bv, ok := b.(ir.Map); ok {
			diffEntries(ops, path, av, bv)
			return
		}
	case ir.Array:
		if bv, ok := b.(ir.Array); ok {
			diffArray(ops, path, av, bv)
			return
		}
	case ir.Set:
		if bv, ok := b.(ir.Set); ok {
			diffSet(ops, path, av, bv)
			return
		}
	}
	*ops = append(*ops, Op{Op: Replace, Path: path, Value: b})
}

func diffEntries(ops *[]Op, path Path, a, b map[string]ir.Value) {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, ir.CompareKeys)

	for _, k := range keys {
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case inA && !inB:
			*ops = append(*ops, Op{Op: Remove, Path: path.with(k)})
		case !inA && inB:
			*ops = append(*ops, Op{Op: Add, Path: path.with(k), Value: bv})
		default:
			diffValue(ops, path.with(k), av, bv)
		}
	}
}

func diffArray(ops *[]Op, path Path, a, b ir.Array) {
	shared := min(len(a), len(b))
	for i := 0; i < shared; i++ {
		diffValue(ops, path.with(i), a[i], b[i])
	}
	for i := shared; i < len(b); i++ {
		*ops = append(*ops, Op{Op: Add, Path: path.with(i), Value: b[i]})
	}
	// Remove from the tail so earlier indexes stay valid.
	for i := len(a) - 1; i >= shared; i-- {
		*ops = append(*ops, Op{Op: Remove, Path: path.with(i)})
	}
}

func diffSet(ops *[]Op, path Path, a, b ir.Set) {
	for _, m := range a.Members() {
		if !b.Has(m) {
			*ops = append(*ops, Op{Op: Remove, Path: path.with(m)})
		}
	}
	for _, m := range b.Members() {
		if !a.Has(m) {
			*ops = append(*ops, Op{Op: Add, Path: path.with(m)})
		}
	}
}
