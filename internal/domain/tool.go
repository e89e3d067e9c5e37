package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ToolInvocation is a completed tool call with its result, as reported back
// to the workflow engine.
type ToolInvocation struct {
	Server    string          `json:"server"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ToolServerConfig is the fully resolved shape of an MCP tool server.
type ToolServerConfig struct {
	ID        string            `json:"id,omitempty"`
	Name      string            `json:"name"`
	URL       string            `json:"url"`
	AuthToken string            `json:"authToken,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	ToolNames []string          `json:"toolNames,omitempty"`
	Tools     []ToolSchema      `json:"tools,omitempty"`
}

// ToolServerRef references a tool server from a node spec. Exactly one of
// the two variants is set: a bare server id to resolve against the store,
// or an inline configuration carried by legacy workflow definitions.
type ToolServerRef struct {
	ID     string
	Inline *ToolServerConfig
}

// IsInline reports whether the reference carries a full configuration.
func (r ToolServerRef) IsInline() bool { return r.Inline != nil }

// UnmarshalJSON accepts both reference forms: a JSON string (bare id) or a
// full configuration object. Both must be accepted for workflows saved by
// older editors.
func (r *ToolServerRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		r.ID = id
		r.Inline = nil
		return nil
	}

	var cfg ToolServerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("tool server ref: %w", err)
	}
	r.ID = cfg.ID
	r.Inline = &cfg
	return nil
}

// MarshalJSON emits the compact form when the reference is a bare id.
func (r ToolServerRef) MarshalJSON() ([]byte, error) {
	if r.Inline != nil {
		return json.Marshal(r.Inline)
	}
	return json.Marshal(r.ID)
}

// ToolInvoker executes a single tool call against a resolved tool server.
type ToolInvoker interface {
	CallTool(ctx context.Context, server ToolServerConfig, name string, args json.RawMessage) (*ToolResult, error)
}

// ToolServerStore is the external-store read used by the resolver.
type ToolServerStore interface {
	// GetToolServers returns the configurations for the given ids. Ids with
	// no matching record are omitted from the result, never an error.
	GetToolServers(ctx context.Context, ids []string) ([]ToolServerConfig, error)
}
