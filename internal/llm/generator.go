// Package llm wraps calls to a generative model behind a small interface and
// retries them with classified backoff.
package llm

import (
	"context"
	"strings"
)

// Part is one piece of model input.
type Part interface{ isPart() }

// Text is a plain-text prompt part.
type Text string

// Document is an inline binary document, usually a PDF.
type Document struct {
	MIMEType string
	Data     []byte
}

func (Text) isPart()     {}
func (Document) isPart() {}

// PDF wraps raw PDF bytes as a Document part.
func PDF(data []byte) Document {
	return Document{MIMEType: "application/pdf", Data: data}
}

// Request is a single model call. Name labels the call in logs and lets test
// doubles route responses.
type Request struct {
	Name      string
	System    string
	Parts     []Part
	MaxTokens int32
	JSON      bool
}

// Generator performs exactly one model call, without retries.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Caller is what pipeline stages depend on; *Invoker is the production Caller.
type Caller interface {
	Invoke(ctx context.Context, req Request) (string, error)
}

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// IsRefusal reports whether the model text reads as a refusal.
func IsRefusal(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
