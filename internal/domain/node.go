package domain

import "context"

// OutputFormat selects how an agent node's answer is returned.
type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
)

// AgentNodeSpec is the immutable description of one agent workflow step.
type AgentNodeSpec struct {
	// Instructions is a text/template rendered against the execution
	// state's variables before dispatch.
	Instructions string `json:"instructions" yaml:"instructions"`
	// Model is "provider/modelName"; a bare name defaults to openai.
	Model string `json:"model" yaml:"model"`
	// OutputFormat is text (default) or json.
	OutputFormat OutputFormat `json:"outputFormat,omitempty" yaml:"outputFormat"`
	// IncludeChatHistory appends the prior transcript to the prompt.
	IncludeChatHistory bool `json:"includeChatHistory,omitempty" yaml:"includeChatHistory"`
	// MCPServerIDs is the canonical list of tool server ids. Legacy specs
	// carry ToolRefs instead; MigrateLegacyNodeConfig rewrites them.
	MCPServerIDs []string `json:"mcpServerIds,omitempty" yaml:"mcpServerIds"`
	// ToolRefs holds inline tool server configurations from legacy specs.
	ToolRefs []ToolServerRef `json:"tools,omitempty" yaml:"tools"`
	// MaxTokens caps the completion; 0 uses the provider default.
	MaxTokens int `json:"maxTokens,omitempty" yaml:"maxTokens"`
	// Temperature passes through to the provider when > 0.
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature"`
}

// ExecutionState is the slice of workflow execution state visible to the
// agent-node core. The core reads it and returns deltas; it never mutates
// the underlying store.
type ExecutionState struct {
	WorkflowID  string            `json:"workflowId"`
	ExecutionID string            `json:"executionId"`
	NodeID      string            `json:"nodeId"`
	UserID      string            `json:"userId"`
	// Transcript is the ordered chat history accumulated so far.
	Transcript []Message `json:"transcript,omitempty"`
	// Variables includes "lastOutput" and any user-defined values.
	Variables map[string]any `json:"variables,omitempty"`
	// Credentials maps provider id to API key for the acting user.
	Credentials map[string]string `json:"-"`
}

// NodeResult is the normalized success payload of an agent node execution.
type NodeResult struct {
	// Output is the model's answer: a string for text nodes, a decoded
	// value for json nodes (or the raw string when decoding fails).
	Output any `json:"output"`
	// Invocations lists every tool call performed, with results.
	Invocations []ToolInvocation `json:"invocations,omitempty"`
	// TranscriptDelta holds the messages to append to the chat history.
	TranscriptDelta []Message `json:"transcriptDelta,omitempty"`
	// VariableUpdates holds variable writes (always includes lastOutput).
	VariableUpdates map[string]any `json:"variableUpdates,omitempty"`
	Usage           Usage          `json:"usage"`
}

// CredentialStore reads per-provider API keys for a user.
type CredentialStore interface {
	GetCredentials(ctx context.Context, userID string) (map[string]string, error)
}
