package docstore

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// compareValues compares two field values, returning -1, 0, or 1.
//
// Numbers of any Go kind compare numerically, strings lexically, false sorts
// before true and times chronologically. nil sorts first. Any other pairing
// falls back to ordering by kind, then by string representation, so a sort
// over mixed types is arbitrary but stable across runs.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return cmp.Compare(fa, fb)
		}
	}
	switch va := a.(type) {
	case string:
		if vb, ok := b.(string); ok {
			return cmp.Compare(va, vb)
		}
	case bool:
		if vb, ok := b.(bool); ok {
			if va == vb {
				return 0
			}
			if !va && vb {
				return -1
			}
			return 1
		}
	case time.Time:
		if vb, ok := b.(time.Time); ok {
			return va.Compare(vb)
		}
	}

	if c := cmp.Compare(kindRank(a), kindRank(b)); c != 0 {
		return c
	}
	return cmp.Compare(toString(a), toString(b))
}

// toFloat normalizes every Go numeric kind. JSON decodes to float64, YAML to
// int and msgpack to int64 or uint64, so the same blob compares the same
// whatever its format.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func kindRank(v any) int {
	if _, ok := toFloat(v); ok {
		return 1
	}
	switch v.(type) {
	case bool:
		return 0
	case string:
		return 2
	case time.Time:
		return 3
	case []any:
		return 4
	case map[string]any, Document:
		return 5
	}
	return 6
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	}
	if f, ok := toFloat(value); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(value)
}

// valuesEqual is used for uniqueness checks. Two absent values are not equal.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	if kindRank(a) != kindRank(b) {
		return false
	}
	return compareValues(a, b) == 0
}
