package patch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/mirror/internal/ir"
)

// Op is one structural operation.
// Value is nil for Remove and for set-member Add.
type Op struct {
	Op    Kind
	Path  Path
	Value ir.Value
}

// IsRootReplace reports whether the op replaces the whole value.
func (o Op) IsRootReplace() bool {
	return o.Op == Replace && len(o.Path) == 0
}

type wireOp struct {
	Op    Kind            `json:"op"`
	Path  json.RawMessage `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes the op with the ir tagged codec for its value.
func (o Op) MarshalJSON() ([]byte, error) {
	path := o.Path
	if path == nil {
		path = Path{}
	}
	pathBytes, err := json.Marshal([]any(path))
	if err != nil {
		return nil, fmt.Errorf("path %s: %w", o.Path, err)
	}
	w := wireOp{Op: o.Op, Path: pathBytes}
	if o.Value != nil {
		valueBytes, err := ir.Encode(o.Value)
		if err != nil {
			return nil, fmt.Errorf("value at %s: %w", o.Path, err)
		}
		w.Value = valueBytes
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an op produced by MarshalJSON.
func (o *Op) UnmarshalJSON(data []byte) error {
	var w wireOp
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Op {
	case Add, Replace, Remove:
	default:
		return fmt.Errorf("unknown patch op %q", w.Op)
	}

	path, err := decodePath(w.Path)
	if err != nil {
		return err
	}

	var value ir.Value
	if len(w.Value) > 0 {
		value, err = ir.Decode(w.Value)
		if err != nil {
			return fmt.Errorf("value at %s: %w", path, err)
		}
	}

	*o = Op{Op: w.Op, Path: path, Value: value}
	return nil
}

func decodePath(raw json.RawMessage) (Path, error) {
	if len(raw) == 0 {
		return Path{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var elems []any
	if err := dec.Decode(&elems); err != nil {
		return nil, fmt.Errorf("path: %w", err)
	}
	path := make(Path, len(elems))
	for i, elem := range elems {
		switch e := elem.(type) {
		case string:
			path[i] = e
		case json.Number:
			n, err := e.Int64()
			if err != nil {
				return nil, fmt.Errorf("path[%d]: index %s is not an integer", i, e)
			}
			path[i] = int(n)
		default:
			return nil, fmt.Errorf("path[%d]: unsupported element %T", i, elem)
		}
	}
	return path, nil
}

// Encode serializes an op list for the wire.
func Encode(ops []Op) ([]byte, error) {
	if ops == nil {
		ops = []Op{}
	}
	return json.Marshal(ops)
}

// Decode parses an op list produced by Encode.
func Decode(data []byte) ([]Op, error) {
	var ops []Op
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("decode patches: %w", err)
	}
	return ops, nil
}
