package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical produces the byte-exact canonical JSON encoding of v: keys
// sorted lexicographically at every depth, ASCII-only escapes, minimal
// separators, no insignificant whitespace. Signing, persistence
// fingerprinting, and size limits are all computed against this form.
//
// v is first round-tripped through encoding/json into a generic value tree
// so that struct field order and json tags are normalized the same way
// regardless of which concrete Go type was passed in; this is what lets an
// agent and server on different struct definitions (or different JSON
// libraries entirely) produce byte-identical canonical forms from the same
// logical object.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonicalization: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("unmarshal for canonicalization: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case float64:
		encodeCanonicalNumber(buf, val)
	case string:
		encodeCanonicalString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeCanonicalString(buf, k)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

// encodeCanonicalNumber reuses encoding/json's own float formatting (which
// already produces the shortest round-trippable representation) by
// marshaling the bare float64 and copying its bytes verbatim.
func encodeCanonicalNumber(buf *bytes.Buffer, f float64) {
	b, _ := json.Marshal(f)
	buf.Write(b)
}

// encodeCanonicalString writes s as a JSON string literal using only
// ASCII-safe escapes (no literal UTF-8 multi-byte sequences), matching the
// canonical form's "ASCII-only escapes" requirement.
func encodeCanonicalString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			switch {
			case r < 0x20:
				fmt.Fprintf(buf, `\u%04x`, r)
			case r < 0x80:
				buf.WriteByte(byte(r))
			default:
				if r > 0xFFFF {
					r1, r2 := utf16Surrogates(r)
					fmt.Fprintf(buf, `\u%04x\u%04x`, r1, r2)
				} else {
					fmt.Fprintf(buf, `\u%04x`, r)
				}
			}
		}
	}
	buf.WriteByte('"')
}

func utf16Surrogates(r rune) (rune, rune) {
	r -= 0x10000
	return 0xD800 + (r >> 10), 0xDC00 + (r & 0x3FF)
}
