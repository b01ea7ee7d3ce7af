package extract

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	numberRe      = regexp.MustCompile(`[-+]?\d*\.?\d+`)
	zipRe         = regexp.MustCompile(`\b(\d{5})(?:-\d{4})?\b`)
	currencyNoise = strings.NewReplacer(",", "", "$", "", "€", "", "£", "", "¥", "", " ", "")
)

// ToDecimal coerces a model-supplied value to an exact decimal. Numbers are taken as
// they are; strings lose currency symbols and thousands separators and the first
// numeric substring is parsed. Anything else is absent, never zero.
func ToDecimal(v any) decimal.NullDecimal {
	switch n := v.(type) {
	case nil:
		return decimal.NullDecimal{}
	case decimal.Decimal:
		return decimal.NullDecimal{Decimal: n, Valid: true}
	case decimal.NullDecimal:
		return n
	case json.Number:
		return parseDecimal(n.String())
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.NullDecimal{}
		}
		return decimal.NullDecimal{Decimal: decimal.NewFromFloat(n), Valid: true}
	case float32:
		return ToDecimal(float64(n))
	case int:
		return decimal.NullDecimal{Decimal: decimal.NewFromInt(int64(n)), Valid: true}
	case int64:
		return decimal.NullDecimal{Decimal: decimal.NewFromInt(n), Valid: true}
	case string:
		m := numberRe.FindString(currencyNoise.Replace(n))
		if m == "" {
			return decimal.NullDecimal{}
		}
		return parseDecimal(m)
	default:
		return decimal.NullDecimal{}
	}
}

func parseDecimal(s string) decimal.NullDecimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// ToString renders a scalar as trimmed text. Absent values become "".
func ToString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}

// InferZIP returns the first 5-digit (optionally +4) ZIP code in address, or "".
func InferZIP(address string) string {
	return zipRe.FindString(address)
}
