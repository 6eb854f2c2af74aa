package memory

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// normalize folds driver and decoder representations onto int64, float64,
// string, bool and time.Time.
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case []byte:
		return string(x)
	default:
		return v
	}
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// compare orders two normalized values. NULL sorts as the smallest value.
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			if ia, ok := a.(int64); ok {
				if ib, ok := b.(int64); ok {
					return cmp3(ia < ib, ia > ib)
				}
			}
			return cmp3(fa < fb, fa > fb)
		}
	}

	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			return cmp3(!x && y, x && !y)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func cmp3(less, greater bool) int {
	if less {
		return -1
	}
	if greater {
		return 1
	}
	return 0
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// equal reports SQL equality. NULL is never equal to anything.
func equal(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	return compare(a, b) == 0
}

// joinKey builds a map key for equality joins; ok is false for NULL.
func joinKey(source string, v any) (string, bool) {
	v = normalize(v)
	if v == nil {
		return "", false
	}
	if t, isTime := v.(time.Time); isTime {
		return source + "\x00t" + t.UTC().Format(time.RFC3339Nano), true
	}
	return fmt.Sprintf("%s\x00%T\x00%v", source, v, v), true
}
