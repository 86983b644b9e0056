package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/boristopalov/quorum/pkg/config"
	"github.com/boristopalov/quorum/pkg/core"
)

var (
	ErrMissingAPIKey = errors.New("missing API key")
	ErrEmptyResponse = errors.New("provider returned no content")
)

type ProviderParams struct {
	BaseURL string
	APIKey  string
	Logger  *zap.Logger
}

type ProviderOption func(*ProviderParams)

func WithBaseURL(baseURL string) ProviderOption {
	return func(p *ProviderParams) {
		p.BaseURL = baseURL
	}
}

func WithAPIKey(apiKey string) ProviderOption {
	return func(p *ProviderParams) {
		p.APIKey = apiKey
	}
}

func WithLogger(l *zap.Logger) ProviderOption {
	return func(p *ProviderParams) {
		p.Logger = l
	}
}

func applyOptions(opts []ProviderOption) ProviderParams {
	params := ProviderParams{}
	for _, opt := range opts {
		opt(&params)
	}
	if params.Logger == nil {
		params.Logger = zap.NewNop()
	}
	return params
}

// New builds the completer named by cfg. A base URL in cfg is applied before
// opts, so an explicit WithBaseURL wins.
func New(ctx context.Context, cfg config.ProviderConfig, opts ...ProviderOption) (core.Completer, error) {
	if cfg.BaseURL != "" {
		opts = append([]ProviderOption{WithBaseURL(cfg.BaseURL)}, opts...)
	}
	switch strings.ToLower(cfg.Name) {
	case "openai":
		return OpenAI(opts...), nil
	case "gemini":
		return Gemini(ctx, opts...)
	case "scripted", "":
		return NewScripted(DefaultScript()), nil
	default:
		return nil, fmt.Errorf("providers: unknown provider %q", cfg.Name)
	}
}
