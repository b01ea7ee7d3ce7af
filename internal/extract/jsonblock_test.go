package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"fenced json", "Here you go:\n```json\n{\"a\": 2}\n```\nThanks", `{"a": 2}`},
		{"fenced without language", "```\n[\"Y\", \"N\"]\n```", `["Y","N"]`},
		{"prose around object", `Sure! The data is {"a": {"b": [1, 2]}} and that's all.`, `{"a": {"b": [1, 2]}}`},
		{"braces inside strings", `note {"text": "a } brace", "n": 3} end`, `{"text": "a } brace", "n": 3}`},
		{"fence wins over later object", "```json\n{\"first\": true}\n```\n{\"second\": true}", `{"first": true}`},
		{"first decodable candidate", `{not json} then {"ok": 1}`, `{"ok": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.text)
			require.NoError(t, err)
			encoded, err := json.Marshal(got)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(encoded))
		})
	}
}

func TestExtractJSONFailures(t *testing.T) {
	var parseErr *ParseError

	_, err := ExtractJSON("   ")
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "empty response", parseErr.Reason)

	_, err = ExtractJSON("I could not find any structured data.")
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "no JSON object or array found", parseErr.Reason)
	assert.Contains(t, parseErr.Snippet, "I could not find")

	_, err = ExtractJSON(`{"unterminated": [1, 2}`)
	require.ErrorAs(t, err, &parseErr)
}

func TestExtractJSONKeepsNumbersExact(t *testing.T) {
	got, err := ExtractObject(`{"amount": 1234.10}`)
	require.NoError(t, err)
	assert.Equal(t, json.Number("1234.10"), got["amount"])
}

func TestExtractObjectAndArrayShapes(t *testing.T) {
	_, err := ExtractObject(`["Y"]`)
	assert.Error(t, err)

	arr, err := ExtractArray("```json\n[\"Y\", \"N\", \"Y\"]\n```")
	require.NoError(t, err)
	assert.Equal(t, []any{"Y", "N", "Y"}, arr)

	_, err = ExtractArray(`{"a": 1}`)
	assert.Error(t, err)
}
