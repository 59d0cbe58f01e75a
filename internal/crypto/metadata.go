package crypto

import (
	"fmt"
	"math"
)

// Metadata limits, per spec.md §3 and §9 ("ad-hoc bag-of-values metadata...
// modelled as a bounded recursive value with explicit depth, string-length,
// and numeric-finiteness checks").
const (
	MaxMetadataDepth     = 5
	MaxMetadataStringLen = 10_000
)

// ValidateMetadata walks value (the decoded JSON form of an entry's
// metadata field) and returns an error if it exceeds the bounded recursive
// value contract: depth ≤ MaxMetadataDepth, string length ≤
// MaxMetadataStringLen, and only finite numbers. nil is always valid (no
// metadata supplied).
func ValidateMetadata(value any) error {
	return validateDepth(value, 1)
}

func validateDepth(value any, depth int) error {
	if depth > MaxMetadataDepth {
		return fmt.Errorf("crypto: metadata exceeds max depth %d", MaxMetadataDepth)
	}
	switch v := value.(type) {
	case nil, bool:
		return nil
	case string:
		if len(v) > MaxMetadataStringLen {
			return fmt.Errorf("crypto: metadata string exceeds max length %d", MaxMetadataStringLen)
		}
		return nil
	case float64:
		return validateFiniteNumber(v)
	case int, int64:
		return nil
	case []any:
		for _, elem := range v {
			if err := validateDepth(elem, depth+1); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for k, elem := range v {
			if len(k) > MaxMetadataStringLen {
				return fmt.Errorf("crypto: metadata key exceeds max length %d", MaxMetadataStringLen)
			}
			if err := validateDepth(elem, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("crypto: metadata: unsupported value type %T", value)
	}
}

func validateFiniteNumber(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("crypto: metadata number must be finite")
	}
	return nil
}
