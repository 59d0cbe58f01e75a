package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// CanonicalEncode serializes value into the single deterministic byte form
// that every verifier must agree on bit-for-bit (spec.md §4.1, §9 third
// open question). Rules, chosen here and committed to as the on-disk
// compatibility contract:
//
//   - object keys are sorted lexicographically (byte order);
//   - no insignificant whitespace — no spaces after ':' or ',', no
//     trailing newline;
//   - numbers are written in canonical decimal form: integral float64
//     values are written without a decimal point, non-integral values use
//     Go's shortest round-tripping representation;
//   - strings use the same escaping rules as encoding/json (so this
//     remains compatible with any consumer using a standard JSON parser).
//
// value must already have been validated (bounded depth, bounded string
// length, finite numbers only — see ValidateMetadata) before calling this;
// CanonicalEncode itself does not re-validate.
func CanonicalEncode(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return encodeString(buf, v)
	case int:
		buf.WriteString(strconv.Itoa(v))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
		return nil
	case uint64:
		buf.WriteString(strconv.FormatUint(v, 10))
		return nil
	case float64:
		return encodeNumber(buf, v)
	case json.RawMessage:
		// Re-decode so the raw bytes are re-serialized canonically rather
		// than trusted verbatim (a raw message could carry insignificant
		// whitespace or unsorted keys from its original producer).
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return fmt.Errorf("crypto: canonical encode: invalid raw message: %w", err)
		}
		return encodeValue(buf, decoded)
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		return encodeObject(buf, v)
	default:
		return fmt.Errorf("crypto: canonical encode: unsupported type %T", value)
	}
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
		if err := encodeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("crypto: canonical encode: marshal string: %w", err)
	}
	buf.Write(raw)
	return nil
}

func encodeNumber(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("crypto: canonical encode: non-finite number %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// ToCanonicalMap converts a struct (via its JSON tags) into the
// map[string]any/[]any/string/float64/bool/nil shape CanonicalEncode
// expects, so callers can build an Entry-like struct normally and still
// get byte-stable canonical encoding.
func ToCanonicalMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: to canonical map: marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("crypto: to canonical map: unmarshal: %w", err)
	}
	return m, nil
}
