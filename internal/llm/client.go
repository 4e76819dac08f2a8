// Package llm defines the optional language-model completion provider.
// The pipeline degrades to heuristic parsing when no client is
// configured; nothing in the core ever requires one.
package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// Client completes a prompt. Implementations must respect ctx deadlines.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// GenAI backs Client with Google's Gemini API.
type GenAI struct {
	client *genai.Client
	model  string
}

// NewGenAI creates a GenAI client. Model defaults to gemini-2.0-flash.
func NewGenAI(ctx context.Context, apiKey, model string) (*GenAI, error) {
	if apiKey == "" {
		return nil, errors.New("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create GenAI client: %w", err)
	}
	return &GenAI{client: client, model: model}, nil
}

// Complete sends the prompt and returns the first candidate's text.
func (g *GenAI) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("GenAI completion failed: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}

// Name identifies the provider for status reporting.
func (g *GenAI) Name() string {
	return fmt.Sprintf("genai:%s", g.model)
}
