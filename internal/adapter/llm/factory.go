package llm

import (
	"fmt"
	"log/slog"

	"flowrun/internal/domain"
	"flowrun/internal/infra/config"
)

// Factory constructs per-call LLM providers. Base providers (with pooled
// HTTP clients) are built once at startup; ForCall clones them with the
// caller's credential so executions for different users never share keys.
// Circuit breaker state is shared across clones of the same provider.
type Factory struct {
	cfg    *config.Config
	logger *slog.Logger

	openai    *OpenAIProvider
	anthropic *AnthropicProvider
	groq      *GroqProvider

	breakers map[string]*CircuitBreakerProvider
}

// NewFactory builds the base providers from config.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:       cfg,
		logger:    logger,
		openai:    NewOpenAIProvider(namedProviderConfig(cfg, domain.ProviderOpenAI), logger),
		anthropic: NewAnthropicProvider(namedProviderConfig(cfg, domain.ProviderAnthropic), logger),
		groq:      NewGroqProvider(namedProviderConfig(cfg, domain.ProviderGroq), logger),
	}

	if cfg.LLM.CircuitBreaker.Enabled {
		f.breakers = map[string]*CircuitBreakerProvider{
			domain.ProviderOpenAI:    NewCircuitBreakerProvider(f.openai, cfg.LLM.CircuitBreaker, logger),
			domain.ProviderAnthropic: NewCircuitBreakerProvider(f.anthropic, cfg.LLM.CircuitBreaker, logger),
			domain.ProviderGroq:      NewCircuitBreakerProvider(f.groq, cfg.LLM.CircuitBreaker, logger),
		}
	}

	return f
}

func namedProviderConfig(cfg *config.Config, name string) config.ProviderConfig {
	pc := cfg.Provider(name)
	pc.Name = name
	return pc
}

// ForCall returns a provider for the given provider id using apiKey as the
// credential. When apiKey is empty the configured fallback key applies; if
// neither exists the call fails with ErrProviderNotConfigured so the caller
// surfaces a configuration problem instead of an opaque 401.
func (f *Factory) ForCall(provider, apiKey string) (domain.LLMProvider, error) {
	if apiKey == "" {
		apiKey = f.cfg.Provider(provider).APIKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: no API key for provider %q", domain.ErrProviderNotConfigured, provider)
	}

	var p domain.LLMProvider
	switch provider {
	case domain.ProviderAnthropic:
		p = f.anthropic.WithAPIKey(apiKey)
	case domain.ProviderGroq:
		p = f.groq.WithAPIKey(apiKey)
	case domain.ProviderOpenAI:
		p = f.openai.WithAPIKey(apiKey)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrProviderNotConfigured, provider)
	}

	if cb, ok := f.breakers[provider]; ok {
		p = cb.WithInner(p)
	}
	return p, nil
}
