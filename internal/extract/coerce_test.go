package extract

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestToDecimal(t *testing.T) {
	tests := []struct {
		name  string
		in    any
		want  string
		valid bool
	}{
		{"currency string", "$1,234.50", "1234.5", true},
		{"plain string", "  42 ", "42", true},
		{"negative", "-15.25", "-15.25", true},
		{"embedded number", "USD 99.99 due", "99.99", true},
		{"json number", json.Number("250.75"), "250.75", true},
		{"float", 12.5, "12.5", true},
		{"int", 7, "7", true},
		{"not a number", "n/a", "", false},
		{"empty", "", "", false},
		{"nil", nil, "", false},
		{"nan", math.NaN(), "", false},
		{"bool", true, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToDecimal(tt.in)
			assert.Equal(t, tt.valid, got.Valid)
			if tt.valid {
				assert.True(t, got.Decimal.Equal(decimal.RequireFromString(tt.want)), "got %s", got.Decimal)
			}
		})
	}
}

func TestToDecimalDoesNotRoundMoney(t *testing.T) {
	sum := ToDecimal("0.10").Decimal.Add(ToDecimal("0.20").Decimal)
	assert.True(t, sum.Equal(decimal.RequireFromString("0.30")))
}

func TestInferZIP(t *testing.T) {
	assert.Equal(t, "62704", InferZIP("12 Main St, Springfield, IL 62704"))
	assert.Equal(t, "62704-1234", InferZIP("Springfield IL 62704-1234"))
	assert.Equal(t, "", InferZIP("No zip here 1234"))
}

func TestClean(t *testing.T) {
	in := map[string]any{
		"name":    "Jane",
		"empty":   "",
		"missing": nil,
		"amount":  decimal.NullDecimal{Decimal: decimal.RequireFromString("10.50"), Valid: true},
		"absent":  decimal.NullDecimal{},
		"nested": map[string]any{
			"keep": []any{"a", "", nil, 1.5},
			"drop": nil,
		},
	}

	got := CleanFields(in)

	assert.Equal(t, map[string]any{
		"name":   "Jane",
		"amount": "10.5",
		"nested": map[string]any{"keep": []any{"a", "1.5"}},
	}, got)
}
