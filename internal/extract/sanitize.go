package extract

import (
	"math"

	"github.com/shopspring/decimal"
)

// Clean prepares a value for persistence: nil and empty strings are dropped from maps
// and slices at every depth, and decimals are rendered as exact strings. The same
// pass is applied to every record type.
func Clean(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if c := Clean(val); !isEmpty(c) {
				out[k] = c
			}
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			if c := Clean(val); !isEmpty(c) {
				out = append(out, c)
			}
		}
		return out
	case decimal.Decimal:
		return t.String()
	case decimal.NullDecimal:
		if !t.Valid {
			return nil
		}
		return t.Decimal.String()
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return decimal.NewFromFloat(t).String()
	default:
		return v
	}
}

// CleanFields is Clean for a top-level record.
func CleanFields(fields map[string]any) map[string]any {
	return Clean(fields).(map[string]any)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}
