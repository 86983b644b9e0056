package providers

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

type GeminiClient struct {
	client *genai.Client
}

// Gemini builds a client, falling back to GEMINI_API_KEY.
func Gemini(ctx context.Context, opts ...ProviderOption) (*GeminiClient, error) {
	params := applyOptions(opts)
	if params.APIKey == "" {
		params.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if params.APIKey == "" {
		return nil, fmt.Errorf("providers: gemini: %w: set GEMINI_API_KEY", ErrMissingAPIKey)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  params.APIKey,
		Backend: genai.BackendGoogleAI,
	})
	if err != nil {
		return nil, fmt.Errorf("providers: gemini: %w", err)
	}
	return &GeminiClient{
		client: client,
	}, nil
}

func (c *GeminiClient) Complete(ctx context.Context, model string, prompt string) (string, error) {
	parts := []*genai.Part{
		{Text: prompt},
	}
	result, err := c.client.Models.GenerateContent(ctx, model, []*genai.Content{{Parts: parts}}, nil)
	if err != nil {
		return "", fmt.Errorf("providers: gemini complete: %w", err)
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", fmt.Errorf("providers: gemini complete: %w", ErrEmptyResponse)
	}
	var sb strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}
