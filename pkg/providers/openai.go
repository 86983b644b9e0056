package providers

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1/"

type OpenAIClient struct {
	client *openai.Client
}

// OpenAI builds a client, falling back to OPENAI_API_BASE_URL and
// OPENAI_API_KEY for anything not set by opts. A missing key is allowed for
// local OpenAI-compatible servers.
func OpenAI(opts ...ProviderOption) *OpenAIClient {
	params := applyOptions(opts)
	if params.BaseURL == "" {
		params.BaseURL = os.Getenv("OPENAI_API_BASE_URL")
		if params.BaseURL == "" {
			params.BaseURL = defaultOpenAIBaseURL
		}
	}
	if params.APIKey == "" {
		params.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	reqOpts := []option.RequestOption{option.WithBaseURL(params.BaseURL)}
	if params.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(params.APIKey))
	}
	params.Logger.Debug("using openai provider", zap.String("base_url", params.BaseURL))
	return &OpenAIClient{
		client: openai.NewClient(reqOpts...),
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, model string, prompt string) (string, error) {
	chatCompletion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		}),
		Model: openai.F(model),
	})
	if err != nil {
		return "", fmt.Errorf("providers: openai complete: %w", err)
	}
	if len(chatCompletion.Choices) == 0 {
		return "", fmt.Errorf("providers: openai complete: %w", ErrEmptyResponse)
	}
	return chatCompletion.Choices[0].Message.Content, nil
}
