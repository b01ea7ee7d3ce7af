package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ParseError is returned when no strategy could recover JSON from model text.
type ParseError struct {
	Reason  string
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	msg := "could not parse model output: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Snippet != "" {
		msg += fmt.Sprintf(" (response starts %q)", e.Snippet)
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// Strategy returns candidate JSON substrings of text in priority order. An empty
// result means "no match".
type Strategy struct {
	Name string
	Find func(text string) []string
}

var (
	fencedJSONRe = regexp.MustCompile("(?s)```[ \t]*(?i:json)[ \t]*\r?\n?(.*?)```")
	fencedAnyRe  = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n?(.*?)```")
)

func fenced(re *regexp.Regexp) func(string) []string {
	return func(text string) []string {
		var out []string
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if body := strings.TrimSpace(m[1]); body != "" {
				out = append(out, body)
			}
		}
		return out
	}
}

// DefaultStrategies is the fixed priority order used by ExtractJSON.
var DefaultStrategies = []Strategy{
	{Name: "fenced-json", Find: fenced(fencedJSONRe)},
	{Name: "fenced", Find: fenced(fencedAnyRe)},
	{Name: "balanced", Find: balancedCandidates},
}

// ExtractJSON recovers the first JSON object or array from free-form model text.
// Numbers are kept as json.Number so money survives without float rounding.
func ExtractJSON(text string) (any, error) {
	return ExtractJSONWith(text, DefaultStrategies)
}

// ExtractJSONWith runs strategies in order; the first candidate that decodes wins.
func ExtractJSONWith(text string, strategies []Strategy) (any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Reason: "empty response"}
	}
	var lastErr error
	for _, s := range strategies {
		for _, candidate := range s.Find(text) {
			v, err := decodeStrict(candidate)
			if err == nil {
				return v, nil
			}
			lastErr = fmt.Errorf("%s candidate: %w", s.Name, err)
		}
	}
	reason := "no JSON object or array found"
	if lastErr != nil {
		reason = "no candidate decoded as JSON"
	}
	return nil, &ParseError{Reason: reason, Snippet: snippet(text), Err: lastErr}
}

// ExtractObject is ExtractJSON constrained to a top-level object.
func ExtractObject(text string) (map[string]any, error) {
	v, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &ParseError{Reason: "expected a JSON object", Snippet: snippet(text)}
	}
	return obj, nil
}

// ExtractArray is ExtractJSON constrained to a top-level array.
func ExtractArray(text string) ([]any, error) {
	v, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, &ParseError{Reason: "expected a JSON array", Snippet: snippet(text)}
	}
	return arr, nil
}

func decodeStrict(candidate string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(candidate))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, nil
	default:
		return nil, errors.New("not an object or array")
	}
}

// balancedCandidates returns the top-level balanced objects and arrays in text, in
// order of appearance. Brackets inside string literals are ignored.
func balancedCandidates(text string) []string {
	var out []string
	for start := 0; start < len(text); start++ {
		if text[start] != '{' && text[start] != '[' {
			continue
		}
		if end := balancedEnd(text, start); end > 0 {
			out = append(out, text[start:end])
			start = end - 1
		}
	}
	return out
}

func balancedEnd(text string, start int) int {
	var (
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i + 1
			}
		}
	}
	return -1
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 80 {
		return text[:80]
	}
	return text
}
