package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/medbillflow/internal/llm"
)

// VertexClient implements llm.Generator with Gemini on Vertex AI.
type VertexClient struct {
	baseClient *genai.Client
	modelName  string
}

// NewVertexClient creates a client for the given model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	return &VertexClient{baseClient: baseClient, modelName: modelName}, nil
}

// model configures a GenerativeModel for one request. Models are cheap handles, so
// each call gets its own to keep per-call token budgets independent.
func (c *VertexClient) model(req llm.Request) *genai.GenerativeModel {
	model := c.baseClient.GenerativeModel(c.modelName)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	model.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.0),
	}
	if req.MaxTokens > 0 {
		model.GenerationConfig.MaxOutputTokens = genai.Ptr(req.MaxTokens)
	}
	if req.JSON {
		model.GenerationConfig.ResponseMIMEType = "application/json"
	}
	// Bills and diagnoses trip the default filters.
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}
	return model
}

// Generate performs one GenerateContent call and returns the concatenated text parts.
func (c *VertexClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	parts := make([]genai.Part, 0, len(req.Parts))
	for _, part := range req.Parts {
		switch p := part.(type) {
		case llm.Text:
			parts = append(parts, genai.Text(string(p)))
		case llm.Document:
			parts = append(parts, genai.Blob{MIMEType: p.MIMEType, Data: p.Data})
		}
	}

	resp, err := c.model(req).GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate content from gemini: %w", err)
	}
	return extractText(resp, req.Name), nil
}

func extractText(resp *genai.GenerateContentResponse, call string) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}

	var content strings.Builder
	var textPartsFound int
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			content.WriteString(string(txt))
			textPartsFound++
		}
	}
	if textPartsFound > 1 {
		slog.Warn("Gemini response contained several text parts; they have been concatenated.", "call", call, "parts", textPartsFound)
	}
	return strings.TrimSpace(content.String())
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
