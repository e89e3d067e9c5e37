package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"flowrun/internal/domain"
)

// recordingDispatcher captures the request and returns a fixed outcome.
type recordingDispatcher struct {
	req    DispatchRequest
	result *DispatchResult
	err    error
}

func (r *recordingDispatcher) Dispatch(_ context.Context, req DispatchRequest) (*DispatchResult, error) {
	r.req = req
	return r.result, r.err
}

// fakeResolver returns fixed servers.
type fakeResolver struct {
	servers []domain.ToolServerConfig
	err     error
	spec    domain.AgentNodeSpec
}

func (f *fakeResolver) Resolve(_ context.Context, spec domain.AgentNodeSpec, _ map[string]string) ([]domain.ToolServerConfig, error) {
	f.spec = spec
	return f.servers, f.err
}

func newTestExecutor(d ChatDispatcher, r ToolServerResolver) *Executor {
	retry := NewRetryController(ampleRegistry(), d, testLogger())
	retry.sleep = func(_ context.Context, _ time.Duration) error { return nil }
	return NewExecutor(r, retry, testLogger())
}

func baseState() domain.ExecutionState {
	return domain.ExecutionState{
		WorkflowID:  "wf-1",
		ExecutionID: "ex-1",
		NodeID:      "node-1",
		UserID:      "user-1",
		Variables:   map[string]any{"city": "Hanoi"},
		Credentials: map[string]string{"openai": "sk-test"},
	}
}

func TestExecuteAgentNodeText(t *testing.T) {
	d := &recordingDispatcher{result: &DispatchResult{
		Message: domain.Message{Role: domain.RoleAssistant, Content: "21 degrees"},
		Usage:   domain.Usage{TotalTokens: 30},
	}}
	e := newTestExecutor(d, &fakeResolver{})

	spec := domain.AgentNodeSpec{
		Instructions: "What is the weather in {{.city}}?",
		Model:        "openai/gpt-4o",
	}
	result, err := e.ExecuteAgentNode(context.Background(), spec, baseState(), 0)
	if err != nil {
		t.Fatalf("ExecuteAgentNode: %v", err)
	}

	if result.Output != "21 degrees" {
		t.Fatalf("output = %v", result.Output)
	}
	if result.VariableUpdates["lastOutput"] != "21 degrees" {
		t.Fatalf("lastOutput = %v", result.VariableUpdates["lastOutput"])
	}
	if result.Usage.TotalTokens != 30 {
		t.Fatalf("usage = %+v", result.Usage)
	}

	// Template rendered against the execution variables.
	if got := d.req.Messages[len(d.req.Messages)-1].Content; got != "What is the weather in Hanoi?" {
		t.Fatalf("rendered instructions = %q", got)
	}
	if d.req.APIKey != "sk-test" {
		t.Fatalf("api key = %q", d.req.APIKey)
	}

	// Transcript delta: the user turn plus the assistant answer.
	if len(result.TranscriptDelta) != 2 {
		t.Fatalf("delta = %d messages", len(result.TranscriptDelta))
	}
	if result.TranscriptDelta[0].Role != domain.RoleUser || result.TranscriptDelta[1].Role != domain.RoleAssistant {
		t.Fatalf("delta roles = %v, %v", result.TranscriptDelta[0].Role, result.TranscriptDelta[1].Role)
	}
}

func TestExecuteAgentNodeJSONOutput(t *testing.T) {
	d := &recordingDispatcher{result: &DispatchResult{
		Message: domain.Message{Role: domain.RoleAssistant, Content: "```json\n{\"temp\": 21}\n```"},
	}}
	e := newTestExecutor(d, &fakeResolver{})

	spec := domain.AgentNodeSpec{
		Instructions: "weather",
		Model:        "openai/gpt-4o",
		OutputFormat: domain.OutputJSON,
	}
	result, err := e.ExecuteAgentNode(context.Background(), spec, baseState(), 0)
	if err != nil {
		t.Fatalf("ExecuteAgentNode: %v", err)
	}

	m, ok := result.Output.(map[string]any)
	if !ok {
		t.Fatalf("output type %T, want decoded object", result.Output)
	}
	if m["temp"] != float64(21) {
		t.Fatalf("output = %v", m)
	}
}

func TestExecuteAgentNodeJSONDegradesToString(t *testing.T) {
	d := &recordingDispatcher{result: &DispatchResult{
		Message: domain.Message{Role: domain.RoleAssistant, Content: "sorry, not json"},
	}}
	e := newTestExecutor(d, &fakeResolver{})

	spec := domain.AgentNodeSpec{
		Instructions: "weather",
		Model:        "openai/gpt-4o",
		OutputFormat: domain.OutputJSON,
	}
	result, err := e.ExecuteAgentNode(context.Background(), spec, baseState(), 0)
	if err != nil {
		t.Fatalf("ExecuteAgentNode: %v", err)
	}
	if result.Output != "sorry, not json" {
		t.Fatalf("output = %v, want raw string fallback", result.Output)
	}
}

func TestExecuteAgentNodeHistoryIncluded(t *testing.T) {
	d := &recordingDispatcher{result: &DispatchResult{
		Message: domain.Message{Role: domain.RoleAssistant, Content: "ok"},
	}}
	e := newTestExecutor(d, &fakeResolver{})

	state := baseState()
	state.Transcript = []domain.Message{
		{Role: domain.RoleUser, Content: "earlier question"},
		{Role: domain.RoleAssistant, Content: "earlier answer"},
	}

	spec := domain.AgentNodeSpec{
		Instructions:       "follow up",
		Model:              "openai/gpt-4o",
		IncludeChatHistory: true,
	}
	if _, err := e.ExecuteAgentNode(context.Background(), spec, state, 0); err != nil {
		t.Fatalf("ExecuteAgentNode: %v", err)
	}
	if len(d.req.Messages) != 3 {
		t.Fatalf("messages = %d, want history + user turn", len(d.req.Messages))
	}

	// Without the flag the transcript is dropped.
	spec.IncludeChatHistory = false
	if _, err := e.ExecuteAgentNode(context.Background(), spec, state, 0); err != nil {
		t.Fatalf("ExecuteAgentNode: %v", err)
	}
	if len(d.req.Messages) != 1 {
		t.Fatalf("messages = %d, want user turn only", len(d.req.Messages))
	}
}

func TestExecuteAgentNodeHistoryTrimmedWhenContextTrips(t *testing.T) {
	d := &recordingDispatcher{result: &DispatchResult{
		Message: domain.Message{Role: domain.RoleAssistant, Content: "ok"},
	}}
	e := newTestExecutor(d, &fakeResolver{})

	// Ten history entries of ~1000 tokens each blow past the whole-context
	// limit; only the last three survive.
	state := baseState()
	long := strings.Repeat("x", 4000)
	for i := 0; i < 10; i++ {
		state.Transcript = append(state.Transcript, domain.Message{
			Role: domain.RoleUser, Content: long,
		})
	}

	spec := domain.AgentNodeSpec{
		Instructions:       "summarize",
		Model:              "openai/gpt-4o",
		IncludeChatHistory: true,
	}
	if _, err := e.ExecuteAgentNode(context.Background(), spec, state, 0); err != nil {
		t.Fatalf("ExecuteAgentNode: %v", err)
	}
	if len(d.req.Messages) != historyKeptOnTrim+1 {
		t.Fatalf("messages = %d, want last %d history entries + user turn", len(d.req.Messages), historyKeptOnTrim)
	}
}

func TestExecuteAgentNodeProviderNotConfigured(t *testing.T) {
	d := &recordingDispatcher{err: fmt.Errorf("%w: no API key for provider %q", domain.ErrProviderNotConfigured, "groq")}
	e := newTestExecutor(d, &fakeResolver{})

	spec := domain.AgentNodeSpec{Instructions: "hi", Model: "groq/llama-70b"}
	_, err := e.ExecuteAgentNode(context.Background(), spec, domain.ExecutionState{}, 0)
	if !errors.Is(err, domain.ErrProviderNotConfigured) {
		t.Fatalf("want ErrProviderNotConfigured, got %v", err)
	}
	if !strings.Contains(err.Error(), "credentials") {
		t.Fatalf("error lacks remediation guidance: %v", err)
	}
}

func TestExecuteAgentNodeWrapsUnknownFailures(t *testing.T) {
	d := &recordingDispatcher{err: fmt.Errorf("provider error: API error 500: upstream exploded")}
	e := newTestExecutor(d, &fakeResolver{})

	spec := domain.AgentNodeSpec{Instructions: "hi", Model: "openai/gpt-4o"}
	_, err := e.ExecuteAgentNode(context.Background(), spec, baseState(), 0)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "agent execution failed") {
		t.Fatalf("missing generic prefix: %v", err)
	}
	if !strings.Contains(err.Error(), "upstream exploded") {
		t.Fatalf("original message lost: %v", err)
	}
}

func TestExecuteAgentNodeInvocationsSurface(t *testing.T) {
	d := &recordingDispatcher{result: &DispatchResult{
		Message: domain.Message{Role: domain.RoleAssistant, Content: "done"},
		Invocations: []domain.ToolInvocation{
			{Server: "search", Name: "web_search", Result: "42"},
		},
	}}
	r := &fakeResolver{servers: []domain.ToolServerConfig{searchServer()}}
	e := newTestExecutor(d, r)

	spec := domain.AgentNodeSpec{
		Instructions: "look it up",
		Model:        "anthropic/claude-sonnet-4-5",
		MCPServerIDs: []string{"srv-1"},
	}
	result, err := e.ExecuteAgentNode(context.Background(), spec, baseState(), 0)
	if err != nil {
		t.Fatalf("ExecuteAgentNode: %v", err)
	}
	if len(result.Invocations) != 1 || result.Invocations[0].Result != "42" {
		t.Fatalf("invocations = %+v", result.Invocations)
	}
	if len(d.req.Servers) != 1 {
		t.Fatal("resolved servers not passed to dispatch")
	}
}
