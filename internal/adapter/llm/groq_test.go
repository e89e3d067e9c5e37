package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"flowrun/internal/domain"
	"flowrun/internal/infra/config"
)

func TestGroqDefaultBaseURL(t *testing.T) {
	p := NewGroqProvider(config.ProviderConfig{Name: "groq"}, testLogger())
	if p.inner.baseURL != "https://api.groq.com/openai/v1" {
		t.Fatalf("base url = %q", p.inner.baseURL)
	}
}

func TestGroqChatDelegates(t *testing.T) {
	var gotAuth, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(openaiResponse{
			Choices: []openaiChoice{{Message: openaiMessage{Role: "assistant", Content: "fast"}}},
		})
	}))
	defer ts.Close()

	p := NewGroqProvider(config.ProviderConfig{
		Name:    "groq",
		BaseURL: ts.URL,
		APIKey:  "gsk-test",
		Model:   "llama-3.3-70b",
	}, testLogger())

	if p.Name() != "groq" {
		t.Fatalf("name = %q", p.Name())
	}

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gotAuth != "Bearer gsk-test" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotPath != "/chat/completions" {
		t.Fatalf("path = %q", gotPath)
	}
	if resp.Message.Content != "fast" {
		t.Fatalf("content = %q", resp.Message.Content)
	}
}

func TestGroqWithAPIKey(t *testing.T) {
	p := NewGroqProvider(config.ProviderConfig{Name: "groq", APIKey: "gsk-base"}, testLogger())
	clone := p.WithAPIKey("gsk-user")

	if clone.inner.apiKey != "gsk-user" {
		t.Fatalf("clone key = %q", clone.inner.apiKey)
	}
	if p.inner.apiKey != "gsk-base" {
		t.Fatal("original key mutated")
	}
	if clone.inner.client != p.inner.client {
		t.Fatal("clone must share the pooled HTTP client")
	}
}
