package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NormalizeKey converts a key value to a canonical string form suitable for
// in-memory maps (batch dedupe, lookup caches). Text is used verbatim, so
// keys differing only in whitespace stay distinct, as they do in the
// warehouse. Backends and callers must not assume a particular underlying
// type for keys.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

// CompositeKey joins the normalized values at idx into one map key.
func CompositeKey(row []any, idx []int) string {
	if len(idx) == 1 {
		return NormalizeKey(row[idx[0]])
	}
	parts := make([]string, len(idx))
	for i, j := range idx {
		parts[i] = NormalizeKey(row[j])
	}
	return strings.Join(parts, "\x00")
}

// NormalizeValue converts driver-specific scan results to plain Go values.
// Text scanned as []byte becomes string.
func NormalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// DedupeRows keeps the last occurrence of each key, preserving the position
// of the first occurrence. Rows with a NULL key are kept as-is.
func DedupeRows(rows [][]any, keyIdx []int) [][]any {
	if len(rows) < 2 || len(keyIdx) == 0 {
		return rows
	}
	pos := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		if hasNullAt(r, keyIdx) {
			out = append(out, r)
			continue
		}
		k := CompositeKey(r, keyIdx)
		if i, ok := pos[k]; ok {
			out[i] = r
			continue
		}
		pos[k] = len(out)
		out = append(out, r)
	}
	return out
}

func hasNullAt(row []any, idx []int) bool {
	for _, i := range idx {
		if row[i] == nil {
			return true
		}
	}
	return false
}
