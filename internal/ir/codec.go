package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Wire tags for values plain JSON cannot carry.
//
// A tagged value is a single-key object whose key is one of these tags.
// A plain Object that happens to have exactly one "$"-prefixed key is wrapped
// in TagObject so the decoder never mistakes it for a tag.
const (
	TagMap    = "$map"
	TagSet    = "$set"
	TagTime   = "$time"
	TagObject = "$object"
)

// TimeLayout is the wire layout for Time (always UTC).
const TimeLayout = time.RFC3339Nano

// Encode serializes a value with the tagged codec. Maps, sets and times
// round-trip through Decode losslessly. Object keys are emitted sorted, so the
// output is stable but not canonical (use MarshalCanonical for digests).
// Strings, keys and set members must be valid UTF-8.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case String:
		return writeString(buf, string(val))
	case Int:
		fmt.Fprintf(buf, "%d", int64(val))
	case Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Time:
		return encodeTagged(buf, TagTime, func() error {
			b, err := json.Marshal(val.Std().UTC().Format(TimeLayout))
			if err != nil {
				return err
			}
			buf.Write(b)
			return nil
		})
	case Array:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case Object:
		if needsObjectTag(val) {
			return encodeTagged(buf, TagObject, func() error {
				return encodeEntries(buf, val)
			})
		}
		return encodeEntries(buf, val)
	case Map:
		return encodeTagged(buf, TagMap, func() error {
			return encodeEntries(buf, val)
		})
	case Set:
		return encodeTagged(buf, TagSet, func() error {
			buf.WriteByte('[')
			for i, m := range val.Members() {
				if i > 0 {
					buf.WriteByte(',')
				}
				if err := writeString(buf, m); err != nil {
					return err
				}
			}
			buf.WriteByte(']')
			return nil
		})
	default:
		return fmt.Errorf("unknown Value type: %T", v)
	}
	return nil
}

func encodeTagged(buf *bytes.Buffer, tag string, body func() error) error {
	buf.WriteString(`{"`)
	buf.WriteString(tag)
	buf.WriteString(`":`)
	if err := body(); err != nil {
		return fmt.Errorf("%s: %w", tag, err)
	}
	buf.WriteByte('}')
	return nil
}

func encodeEntries(buf *bytes.Buffer, m map[string]Value) error {
	buf.WriteByte('{')
	for i, k := range sortedKeys(m) {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := encodeValue(buf, m[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeString rejects invalid UTF-8, which encoding/json would replace
// with U+FFFD.
func writeString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("invalid UTF-8 in string %q", s)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func needsObjectTag(obj Object) bool {
	if len(obj) != 1 {
		return false
	}
	for k := range obj {
		return strings.HasPrefix(k, "$")
	}
	return false
}

// Decode parses tagged-codec JSON produced by Encode.
// Floats are rejected.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after value")
	}
	return fromWire(raw)
}

// FromWire converts a value already decoded by encoding/json (with UseNumber)
// into a Value, resolving codec tags. Used by envelope decoders that embed
// values in larger JSON documents.
func FromWire(raw any) (Value, error) {
	return fromWire(raw)
}

func fromWire(raw any) (Value, error) {
	switch val := raw.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are forbidden: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case float64:
		return nil, fmt.Errorf("floats are forbidden: %v", val)
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			conv, err := fromWire(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		if len(val) == 1 {
			for tag, body := range val {
				if v, ok, err := fromTagged(tag, body); ok || err != nil {
					return v, err
				}
			}
		}
		return entriesFromWire(val)
	default:
		return nil, fmt.Errorf("unsupported wire type: %T", raw)
	}
}

func fromTagged(tag string, body any) (Value, bool, error) {
	switch tag {
	case TagTime:
		s, ok := body.(string)
		if !ok {
			return nil, true, fmt.Errorf("%s: expected string, got %T", tag, body)
		}
		t, err := time.Parse(TimeLayout, s)
		if err != nil {
			return nil, true, fmt.Errorf("%s: %w", tag, err)
		}
		return Time(t), true, nil
	case TagSet:
		items, ok := body.([]any)
		if !ok {
			return nil, true, fmt.Errorf("%s: expected array, got %T", tag, body)
		}
		s := make(Set, len(items))
		for i, item := range items {
			m, ok := item.(string)
			if !ok {
				return nil, true, fmt.Errorf("%s[%d]: expected string, got %T", tag, i, item)
			}
			s[m] = struct{}{}
		}
		return s, true, nil
	case TagMap, TagObject:
		entries, ok := body.(map[string]any)
		if !ok {
			return nil, true, fmt.Errorf("%s: expected object, got %T", tag, body)
		}
		obj, err := entriesFromWire(entries)
		if err != nil {
			return nil, true, fmt.Errorf("%s: %w", tag, err)
		}
		if tag == TagMap {
			return Map(obj), true, nil
		}
		return obj, true, nil
	}
	return nil, false, nil
}

func entriesFromWire(raw map[string]any) (Object, error) {
	obj := make(Object, len(raw))
	for k, elem := range raw {
		conv, err := fromWire(elem)
		if err != nil {
			return nil, fmt.Errorf("object[%q]: %w", k, err)
		}
		obj[k] = conv
	}
	return obj, nil
}
