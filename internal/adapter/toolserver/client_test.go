package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"flowrun/internal/domain"
	"flowrun/internal/infra/config"
)

// fakeMCP replays canned results and records calls.
type fakeMCP struct {
	result *mcp.CallToolResult
	err    error
	calls  int
	closed bool
}

func (f *fakeMCP) CallTool(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeMCP) Close() error {
	f.closed = true
	return nil
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: isError,
	}
}

func newTestClient(fake *fakeMCP) *Client {
	c := NewClient(config.ToolsConfig{CallTimeout: time.Second, CallsPerSecond: 1000}, testLogger())
	c.dial = func(_ context.Context, _ domain.ToolServerConfig) (mcpCaller, error) {
		return fake, nil
	}
	return c
}

func TestCallToolSuccess(t *testing.T) {
	fake := &fakeMCP{result: textResult("42", false)}
	c := newTestClient(fake)

	res, err := c.CallTool(context.Background(), domain.ToolServerConfig{Name: "s", URL: "https://s"}, "answer", json.RawMessage(`{"q":"life"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Content != "42" || res.IsError {
		t.Fatalf("result = %+v", res)
	}
}

func TestCallToolTransportErrorBecomesToolResult(t *testing.T) {
	fake := &fakeMCP{err: fmt.Errorf("connection reset")}
	c := newTestClient(fake)

	res, err := c.CallTool(context.Background(), domain.ToolServerConfig{Name: "s", URL: "https://s"}, "answer", nil)
	if err != nil {
		t.Fatalf("transport failure must surface as a tool result, got error %v", err)
	}
	if !res.IsError {
		t.Fatal("result not marked as error")
	}
}

func TestCallToolServerErrorFlag(t *testing.T) {
	fake := &fakeMCP{result: textResult("no such record", true)}
	c := newTestClient(fake)

	res, err := c.CallTool(context.Background(), domain.ToolServerConfig{Name: "s", URL: "https://s"}, "lookup", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError || res.Content != "no such record" {
		t.Fatalf("result = %+v", res)
	}
}

func TestCallToolConnectionCached(t *testing.T) {
	fake := &fakeMCP{result: textResult("ok", false)}
	c := newTestClient(fake)
	dials := 0
	inner := c.dial
	c.dial = func(ctx context.Context, srv domain.ToolServerConfig) (mcpCaller, error) {
		dials++
		return inner(ctx, srv)
	}

	srv := domain.ToolServerConfig{Name: "s", URL: "https://s"}
	for i := 0; i < 3; i++ {
		if _, err := c.CallTool(context.Background(), srv, "t", nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if dials != 1 {
		t.Fatalf("dialed %d times, want connection reuse", dials)
	}

	c.Close()
	if !fake.closed {
		t.Fatal("Close did not shut the connection")
	}
}

func TestCallToolSchemaValidation(t *testing.T) {
	fake := &fakeMCP{result: textResult("ok", false)}
	c := newTestClient(fake)

	srv := domain.ToolServerConfig{
		Name: "s",
		URL:  "https://s",
		Tools: []domain.ToolSchema{{
			Name: "lookup",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {"id": {"type": "string"}},
				"required": ["id"]
			}`),
		}},
	}

	// Missing required field: rejected before any network call.
	res, err := c.CallTool(context.Background(), srv, "lookup", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Fatal("invalid arguments passed validation")
	}
	if fake.calls != 0 {
		t.Fatal("invalid call reached the server")
	}

	// Valid arguments go through.
	res, err = c.CallTool(context.Background(), srv, "lookup", json.RawMessage(`{"id":"abc"}`))
	if err != nil || res.IsError {
		t.Fatalf("valid call failed: res=%+v err=%v", res, err)
	}
}
