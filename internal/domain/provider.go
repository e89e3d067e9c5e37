package domain

import (
	"context"
	"strings"
)

// Provider identifiers for the supported LLM back-ends.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGroq      = "groq"
)

// DefaultProvider is assumed when a model string carries no provider prefix.
const DefaultProvider = ProviderOpenAI

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "groq").
	Name() string
}

// ParseModel splits a "provider/modelName" string. A bare model name maps
// to the default provider.
func ParseModel(model string) (provider, name string) {
	if idx := strings.Index(model, "/"); idx >= 0 {
		return model[:idx], model[idx+1:]
	}
	return DefaultProvider, model
}
