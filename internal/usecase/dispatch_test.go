package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"flowrun/internal/domain"
)

// fakeProvider replays scripted chat responses and records requests.
type fakeProvider struct {
	name      string
	responses []*domain.ChatResponse
	errs      []error
	requests  []domain.ChatRequest
}

func (f *fakeProvider) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	i := len(f.requests)
	f.requests = append(f.requests, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return nil, fmt.Errorf("unexpected chat call %d", i)
}

func (f *fakeProvider) Name() string { return f.name }

// fakeFactory returns a fixed provider, or an error.
type fakeFactory struct {
	provider *fakeProvider
	err      error
}

func (f *fakeFactory) ForCall(provider, apiKey string) (domain.LLMProvider, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.provider, nil
}

// fakeInvoker returns canned tool results by tool name.
type fakeInvoker struct {
	results map[string]*domain.ToolResult
	errs    map[string]error
	calls   []string
}

func (f *fakeInvoker) CallTool(_ context.Context, server domain.ToolServerConfig, name string, args json.RawMessage) (*domain.ToolResult, error) {
	f.calls = append(f.calls, name)
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return &domain.ToolResult{Content: "ok"}, nil
}

func searchServer() domain.ToolServerConfig {
	return domain.ToolServerConfig{
		ID:   "srv-1",
		Name: "search",
		URL:  "https://tools.example.com/mcp",
		Tools: []domain.ToolSchema{
			{Name: "web_search", Description: "search the web"},
		},
	}
}

func TestStrategyFor(t *testing.T) {
	servers := []domain.ToolServerConfig{searchServer()}
	cases := []struct {
		provider string
		servers  []domain.ToolServerConfig
		want     DispatchStrategy
	}{
		{domain.ProviderAnthropic, nil, NoTools},
		{domain.ProviderAnthropic, servers, ServerManagedTools},
		{domain.ProviderOpenAI, servers, ClientManagedTools},
		{domain.ProviderGroq, servers, ClientManagedTools},
		{domain.ProviderGroq, nil, NoTools},
	}
	for _, tc := range cases {
		if got := strategyFor(tc.provider, tc.servers); got != tc.want {
			t.Errorf("strategyFor(%q, %d servers) = %v, want %v", tc.provider, len(tc.servers), got, tc.want)
		}
	}
}

func TestDispatchPlain(t *testing.T) {
	p := &fakeProvider{name: "openai", responses: []*domain.ChatResponse{{
		Message: domain.Message{Role: domain.RoleAssistant, Content: "hi"},
		Usage:   domain.Usage{TotalTokens: 7},
	}}}
	d := NewDispatcher(&fakeFactory{provider: p}, &fakeInvoker{}, testLogger())

	result, err := d.Dispatch(context.Background(), DispatchRequest{
		Model:    "openai/gpt-4o",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Message.Content != "hi" || result.Usage.TotalTokens != 7 {
		t.Fatalf("result = %+v", result)
	}
	if len(p.requests) != 1 {
		t.Fatalf("chat called %d times, want 1", len(p.requests))
	}
	if p.requests[0].Model != "gpt-4o" {
		t.Fatalf("model sent = %q, want bare name", p.requests[0].Model)
	}
}

func TestDispatchServerManaged(t *testing.T) {
	p := &fakeProvider{name: "anthropic", responses: []*domain.ChatResponse{{
		Message: domain.Message{Role: domain.RoleAssistant, Content: "found it"},
		Invocations: []domain.ToolInvocation{
			{Server: "search", Name: "web_search", Result: "42"},
		},
		Usage: domain.Usage{TotalTokens: 20},
	}}}
	d := NewDispatcher(&fakeFactory{provider: p}, &fakeInvoker{}, testLogger())

	result, err := d.Dispatch(context.Background(), DispatchRequest{
		Model:    "anthropic/claude-sonnet-4-5",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "search"}},
		Servers:  []domain.ToolServerConfig{searchServer()},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(result.Invocations) != 1 || result.Invocations[0].Result != "42" {
		t.Fatalf("invocations = %+v", result.Invocations)
	}
	if len(p.requests) != 1 {
		t.Fatalf("server-managed must be a single call, got %d", len(p.requests))
	}
	if len(p.requests[0].ToolServers) != 1 {
		t.Fatal("tool servers not declared to the provider")
	}
}

func TestDispatchClientManagedOneFollowup(t *testing.T) {
	args := json.RawMessage(`{"q":"weather"}`)
	p := &fakeProvider{name: "openai", responses: []*domain.ChatResponse{
		{
			Message: domain.Message{
				Role:      domain.RoleAssistant,
				ToolCalls: []domain.ToolCall{{ID: "call-1", Name: "web_search", Arguments: args}},
			},
			Usage: domain.Usage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110},
		},
		{
			Message: domain.Message{Role: domain.RoleAssistant, Content: "sunny"},
			Usage:   domain.Usage{PromptTokens: 150, CompletionTokens: 5, TotalTokens: 155},
		},
	}}
	inv := &fakeInvoker{results: map[string]*domain.ToolResult{
		"web_search": {Content: "forecast: sunny"},
	}}
	d := NewDispatcher(&fakeFactory{provider: p}, inv, testLogger())

	result, err := d.Dispatch(context.Background(), DispatchRequest{
		Model:    "openai/gpt-4o",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "weather?"}},
		Servers:  []domain.ToolServerConfig{searchServer()},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if result.Message.Content != "sunny" {
		t.Fatalf("final message = %q", result.Message.Content)
	}
	if len(p.requests) != 2 {
		t.Fatalf("chat called %d times, want exactly 2", len(p.requests))
	}
	if want := (domain.Usage{PromptTokens: 250, CompletionTokens: 15, TotalTokens: 265}); result.Usage != want {
		t.Fatalf("usage = %+v, want accumulated %+v", result.Usage, want)
	}

	if len(result.Invocations) != 1 {
		t.Fatalf("invocations = %+v", result.Invocations)
	}
	invc := result.Invocations[0]
	if invc.Server != "search" || invc.Name != "web_search" || invc.Result != "forecast: sunny" || invc.IsError {
		t.Fatalf("invocation = %+v", invc)
	}

	// The follow-up call must carry the assistant tool-call turn and the
	// tool result message.
	followup := p.requests[1].Messages
	last := followup[len(followup)-1]
	if last.Role != domain.RoleTool || last.Content != "forecast: sunny" {
		t.Fatalf("follow-up tail = %+v", last)
	}
	if last.ToolCalls[0].ID != "call-1" {
		t.Fatalf("tool result lost call id: %+v", last.ToolCalls)
	}
}

func TestDispatchClientManagedSecondToolCallNotChased(t *testing.T) {
	args := json.RawMessage(`{}`)
	p := &fakeProvider{name: "openai", responses: []*domain.ChatResponse{
		{Message: domain.Message{
			Role:      domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{{ID: "c1", Name: "web_search", Arguments: args}},
		}},
		// Follow-up asks for another tool call; it is taken as final.
		{Message: domain.Message{
			Role:      domain.RoleAssistant,
			Content:   "",
			ToolCalls: []domain.ToolCall{{ID: "c2", Name: "web_search", Arguments: args}},
		}},
	}}
	d := NewDispatcher(&fakeFactory{provider: p}, &fakeInvoker{}, testLogger())

	result, err := d.Dispatch(context.Background(), DispatchRequest{
		Model:   "openai/gpt-4o",
		Servers: []domain.ToolServerConfig{searchServer()},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(p.requests) != 2 {
		t.Fatalf("chat called %d times, want 2 and no chasing", len(p.requests))
	}
	if len(result.Invocations) != 1 {
		t.Fatalf("only the first round's call may execute, got %d", len(result.Invocations))
	}
}

func TestDispatchToolFailureFedBack(t *testing.T) {
	args := json.RawMessage(`{}`)
	p := &fakeProvider{name: "openai", responses: []*domain.ChatResponse{
		{Message: domain.Message{
			Role:      domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{{ID: "c1", Name: "web_search", Arguments: args}},
		}},
		{Message: domain.Message{Role: domain.RoleAssistant, Content: "the tool is down"}},
	}}
	inv := &fakeInvoker{errs: map[string]error{
		"web_search": fmt.Errorf("connect: connection refused"),
	}}
	d := NewDispatcher(&fakeFactory{provider: p}, inv, testLogger())

	result, err := d.Dispatch(context.Background(), DispatchRequest{
		Model:   "openai/gpt-4o",
		Servers: []domain.ToolServerConfig{searchServer()},
	})
	if err != nil {
		t.Fatalf("tool failure must not abort the node: %v", err)
	}
	if !result.Invocations[0].IsError {
		t.Fatal("invocation not marked as error")
	}
	if !strings.Contains(result.Invocations[0].Result, `"error"`) {
		t.Fatalf("result payload = %q, want {error: message}", result.Invocations[0].Result)
	}
	// The model saw the error payload and still produced a final answer.
	if result.Message.Content != "the tool is down" {
		t.Fatalf("final message = %q", result.Message.Content)
	}
}

func TestDispatchProviderNotConfigured(t *testing.T) {
	d := NewDispatcher(&fakeFactory{err: fmt.Errorf("%w: no API key for provider %q", domain.ErrProviderNotConfigured, "groq")}, &fakeInvoker{}, testLogger())

	_, err := d.Dispatch(context.Background(), DispatchRequest{Model: "groq/llama-70b"})
	if !errors.Is(err, domain.ErrProviderNotConfigured) {
		t.Fatalf("want ErrProviderNotConfigured, got %v", err)
	}
}

func TestFlattenToolsCollision(t *testing.T) {
	a := searchServer()
	b := searchServer()
	b.ID, b.Name = "srv-2", "other"

	tools, byName := flattenTools([]domain.ToolServerConfig{a, b})
	if len(tools) != 1 {
		t.Fatalf("tools = %d, want collision deduped to 1", len(tools))
	}
	if byName["web_search"].Name != "search" {
		t.Fatal("first server must win the name collision")
	}
}
