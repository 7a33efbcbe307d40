package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON for digests.
// CRITICAL: This is the ONLY serialization that should be used for
// Digest computation.
//
// Differences from Encode:
//  1. Object keys sorted by UTF-16 code units (same as Encode)
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings and keys keep their code points. A string that is not in NFC
//     is written with every non-ASCII rune as a \u escape, so its bytes
//     never read the same as the composed spelling
//  4. Map, Set and Time use the same tags as Encode, so a Map and an Object
//     with identical entries produce different digests
func MarshalCanonical(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := marshalCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshalCanonical(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case String:
		return writeCanonicalString(buf, string(val))
	case Int:
		fmt.Fprintf(buf, "%d", int64(val))
	case Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Time:
		buf.WriteString(`{"` + TagTime + `":`)
		if err := writeCanonicalString(buf, val.Std().UTC().Format(TimeLayout)); err != nil {
			return err
		}
		buf.WriteByte('}')
	case Array:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case Object:
		if needsObjectTag(val) {
			buf.WriteString(`{"` + TagObject + `":`)
			if err := marshalCanonicalEntries(buf, val); err != nil {
				return err
			}
			buf.WriteByte('}')
			return nil
		}
		return marshalCanonicalEntries(buf, val)
	case Map:
		buf.WriteString(`{"` + TagMap + `":`)
		if err := marshalCanonicalEntries(buf, val); err != nil {
			return err
		}
		buf.WriteByte('}')
	case Set:
		buf.WriteString(`{"` + TagSet + `":[`)
		for i, m := range val.Members() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, m); err != nil {
				return err
			}
		}
		buf.WriteString("]}")
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

// marshalCanonicalEntries writes an object body with RFC 8785 key ordering.
func marshalCanonicalEntries(buf *bytes.Buffer, m map[string]Value) error {
	buf.WriteByte('{')
	for i, k := range sortedKeys(m) {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := marshalCanonical(buf, m[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeCanonicalString writes a canonical JSON string.
// RFC 8785: only control characters, backslash and quote are escaped;
// <, >, &, U+2028 and U+2029 are written literally. Strings outside NFC
// are written fully escaped instead.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("invalid UTF-8 in string %q", s)
	}

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	out := bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'})
	if !norm.NFC.IsNormalString(s) {
		buf.Write(escapeNonASCII(out))
		return nil
	}
	buf.Write(unescapeLineSeparators(out))
	return nil
}

// escapeNonASCII rewrites every non-ASCII rune of an encoded JSON string as
// a \uXXXX escape, using surrogate pairs above the BMP.
func escapeNonASCII(data []byte) []byte {
	out := make([]byte, 0, len(data)*2)
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		if r < utf8.RuneSelf {
			out = append(out, byte(r))
			continue
		}
		if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
			out = fmt.Appendf(out, `\u%04x\u%04x`, r1, r2)
			continue
		}
		out = fmt.Appendf(out, `\u%04x`, r)
	}
	return out
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes emitted by
// encoding/json back into literal characters. An escape preceded by an odd
// number of backslashes is literal text (\\u2028) and is left alone.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '\\' && i+5 < len(data) &&
			data[i+1] == 'u' && data[i+2] == '2' && data[i+3] == '0' && data[i+4] == '2' &&
			(data[i+5] == '8' || data[i+5] == '9') {
			backslashes := 0
			for j := len(out) - 1; j >= 0 && out[j] == '\\'; j-- {
				backslashes++
			}
			if backslashes%2 == 0 {
				if data[i+5] == '8' {
					out = append(out, "\u2028"...)
				} else {
					out = append(out, "\u2029"...)
				}
				i += 5
				continue
			}
		}
		out = append(out, data[i])
	}
	return out
}
