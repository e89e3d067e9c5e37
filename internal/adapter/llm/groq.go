package llm

import (
	"context"
	"log/slog"
	"strings"

	"flowrun/internal/domain"
	"flowrun/internal/infra/config"
)

// Compile-time interface assertion.
var _ domain.LLMProvider = (*GroqProvider)(nil)

// GroqProvider wraps OpenAIProvider to work with the Groq API, which is
// OpenAI-compatible at a different base URL.
type GroqProvider struct {
	inner *OpenAIProvider
}

// NewGroqProvider creates a Groq provider that delegates to OpenAIProvider.
func NewGroqProvider(cfg config.ProviderConfig, logger *slog.Logger) *GroqProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.groq.com/openai/v1"
	}

	return &GroqProvider{
		inner: &OpenAIProvider{
			name:    cfg.Name,
			model:   cfg.Model,
			apiKey:  cfg.APIKey,
			baseURL: baseURL,
			client:  NewHTTPClient(cfg),
			logger:  logger,
		},
	}
}

// WithAPIKey returns a copy of the provider using the caller's credential.
func (p *GroqProvider) WithAPIKey(key string) *GroqProvider {
	return &GroqProvider{inner: p.inner.WithAPIKey(key)}
}

// Chat implements domain.LLMProvider.
func (p *GroqProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return p.inner.Chat(ctx, req)
}

// Name implements domain.LLMProvider.
func (p *GroqProvider) Name() string { return p.inner.Name() }
