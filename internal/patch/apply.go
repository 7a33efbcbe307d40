package patch

import (
	"fmt"

	"github.com/roach88/mirror/internal/ir"
)

// Apply returns base with ops applied in order. base is not modified.
// The first op that cannot be applied aborts with an *ApplyError and the
// partially patched value is discarded.
func Apply(base ir.Value, ops []Op) (ir.Value, error) {
	cur := base
	for i, op := range ops {
		next, err := applyOp(cur, op.Path, op)
		if err != nil {
			return nil, &ApplyError{Index: i, Op: op.Op, Path: op.Path, Reason: err.Error()}
		}
		cur = next
	}
	return cur, nil
}

func applyOp(node ir.Value, path Path, op Op) (ir.Value, error) {
	if len(path) == 0 {
		switch op.Op {
		case Replace, Add:
			if op.Value == nil {
				return ir.Null{}, nil
			}
			return op.Value, nil
		default:
			return nil, fmt.Errorf("cannot remove the root")
		}
	}

	last := len(path) == 1
	switch n := node.(type) {
	case ir.Object:
		out, err := applyEntries(n, path, op, last)
		if err != nil {
			return nil, err
		}
		return ir.Object(out), nil
	case ir.Map:
		out, err := applyEntries(n, path, op, last)
		if err != nil {
			return nil, err
		}
		return ir.Map(out), nil
	case ir.Array:
		return applyArray(n, path, op, last)
	case ir.Set:
		return applySet(n, path, op, last)
	default:
		return nil, fmt.Errorf("cannot address %v inside %s", path[0], ir.Kind(node))
	}
}

func applyEntries(m map[string]ir.Value, path Path, op Op, last bool) (map[string]ir.Value, error) {
	key, ok := path[0].(string)
	if !ok {
		return nil, fmt.Errorf("expected key, got %T", path[0])
	}
	child, exists := m[key]

	out := make(map[string]ir.Value, len(m)+1)
	for k, v := range m {
		out[k] = v
	}

	if !last {
		if !exists {
			return nil, fmt.Errorf("missing key %q", key)
		}
		next, err := applyOp(child, path[1:], op)
		if err != nil {
			return nil, err
		}
		out[key] = next
		return out, nil
	}

	switch op.Op {
	case Add:
		out[key] = valueOrNull(op.Value)
	case Replace:
		if !exists {
			return nil, fmt.Errorf("replace of missing key %q", key)
		}
		out[key] = valueOrNull(op.Value)
	case Remove:
		if !exists {
			return nil, fmt.Errorf("remove of missing key %q", key)
		}
		delete(out, key)
	}
	return out, nil
}

func applyArray(arr ir.Array, path Path, op Op, last bool) (ir.Value, error) {
	idx, ok := path[0].(int)
	if !ok {
		return nil, fmt.Errorf("expected index, got %T", path[0])
	}
	if idx < 0 {
		return nil, fmt.Errorf("negative index %d", idx)
	}

	if !last {
		if idx >= len(arr) {
			return nil, fmt.Errorf("index %d out of range (len %d)", idx, len(arr))
		}
		next, err := applyOp(arr[idx], path[1:], op)
		if err != nil {
			return nil, err
		}
		out := make(ir.Array, len(arr))
		copy(out, arr)
		out[idx] = next
		return out, nil
	}

	switch op.Op {
	case Add:
		if idx > len(arr) {
			return nil, fmt.Errorf("add at index %d beyond len %d", idx, len(arr))
		}
		out := make(ir.Array, 0, len(arr)+1)
		out = append(out, arr[:idx]...)
		out = append(out, valueOrNull(op.Value))
		out = append(out, arr[idx:]...)
		return out, nil
	case Replace:
		if idx >= len(arr) {
			return nil, fmt.Errorf("index %d out of range (len %d)", idx, len(arr))
		}
		out := make(ir.Array, len(arr))
		copy(out, arr)
		out[idx] = valueOrNull(op.Value)
		return out, nil
	default:
		if idx >= len(arr) {
			return nil, fmt.Errorf("index %d out of range (len %d)", idx, len(arr))
		}
		out := make(ir.Array, 0, len(arr)-1)
		out = append(out, arr[:idx]...)
		out = append(out, arr[idx+1:]...)
		return out, nil
	}
}

func applySet(s ir.Set, path Path, op Op, last bool) (ir.Value, error) {
	member, ok := path[0].(string)
	if !ok {
		return nil, fmt.Errorf("expected set member, got %T", path[0])
	}
	if !last {
		return nil, fmt.Errorf("cannot traverse into set member %q", member)
	}

	out := make(ir.Set, len(s)+1)
	for m := range s {
		out[m] = struct{}{}
	}
	switch op.Op {
	case Add:
		out[member] = struct{}{}
	case Remove:
		if !s.Has(member) {
			return nil, fmt.Errorf("remove of missing set member %q", member)
		}
		delete(out, member)
	default:
		return nil, fmt.Errorf("replace is not defined on set members")
	}
	return out, nil
}

func valueOrNull(v ir.Value) ir.Value {
	if v == nil {
		return ir.Null{}
	}
	return v
}
