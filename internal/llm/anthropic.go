package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicGenerator sends requests to the Anthropic Messages API.
type AnthropicGenerator struct {
	client sdk.Client
	model  string
}

// NewAnthropicGenerator creates a generator for the given model.
func NewAnthropicGenerator(apiKey, model string) (*AnthropicGenerator, error) {
	if apiKey == "" || model == "" {
		return nil, fmt.Errorf("NewAnthropicGenerator: apiKey and model cannot be empty")
	}
	return &AnthropicGenerator{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

// Generate performs one Messages call. Text parts and PDF documents are sent in order
// as a single user message.
func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (string, error) {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(req.Parts))
	for _, part := range req.Parts {
		switch p := part.(type) {
		case Text:
			blocks = append(blocks, sdk.NewTextBlock(string(p)))
		case Document:
			blocks = append(blocks, sdk.NewDocumentBlock(sdk.Base64PDFSourceParam{
				Data: base64.StdEncoding.EncodeToString(p.Data),
			}))
		}
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(g.model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(blocks...)},
		Temperature: sdk.Float(0),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	msg, err := g.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return "", &ServiceError{Status: apiErr.StatusCode, Err: err}
		}
		return "", fmt.Errorf("anthropic: create message: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(out.String()), nil
}
