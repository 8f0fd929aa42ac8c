// Package canonical produces deterministic JSON serializations and digests.
//
// Content hashes must be stable across processes, reads, and
// reimplementations, so the encoding is fixed explicitly rather than
// inherited from encoding/json map iteration or locale-sensitive formatting:
// object keys are sorted recursively, times are RFC 3339 UTC, and floats use
// the shortest round-trippable decimal form.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Marshal encodes v into canonical JSON.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest returns the lowercase hex SHA-256 of the canonical encoding of v.
func Digest(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Truncate shortens a hash for user-facing messages so tamper reports do not
// leak the full value.
func Truncate(hash string, n int) string {
	if len(hash) <= n {
		return hash
	}
	return hash[:n]
}

// StripKeys returns a deep copy of v with the named keys removed from every
// object at every depth. Used to drop volatile fields (counters, cache
// stamps) before hashing.
func StripKeys(v any, volatile ...string) any {
	drop := make(map[string]struct{}, len(volatile))
	for _, k := range volatile {
		drop[k] = struct{}{}
	}
	return stripKeys(v, drop)
}

func stripKeys(v any, drop map[string]struct{}) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if _, skip := drop[k]; skip {
				continue
			}
			out[k] = stripKeys(item, drop)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = stripKeys(item, drop)
		}
		return out
	default:
		return v
	}
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, val)
	case json.Number:
		buf.WriteString(val.String())
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case float32:
		buf.WriteString(strconv.FormatFloat(float64(val), 'g', -1, 32))
	case float64:
		// Shortest decimal that round-trips; integral floats encode without
		// an exponent or trailing fraction (3 not 3.0, matching JSON input).
		buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case time.Time:
		return encodeString(buf, val.UTC().Format(time.RFC3339Nano))
	case *time.Time:
		if val == nil {
			buf.WriteString("null")
			return nil
		}
		return encodeString(buf, val.UTC().Format(time.RFC3339Nano))
	case map[string]any:
		return encodeObject(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		// Structs and uncommon types round-trip through encoding/json with
		// numbers preserved as json.Number, then re-enter canonical encoding.
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonical: marshal %T: %w", val, err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return fmt.Errorf("canonical: reparse %T: %w", val, err)
		}
		return encode(buf, generic)
	}
	return nil
}

func encodeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canonical: encode string: %w", err)
	}
	buf.Write(raw)
	return nil
}
