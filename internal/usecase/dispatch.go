package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"flowrun/internal/domain"
	"flowrun/internal/infra/tracer"
)

// DispatchStrategy is resolved once at the start of a dispatch and never
// re-inspected downstream.
type DispatchStrategy int

const (
	// NoTools performs a plain chat completion.
	NoTools DispatchStrategy = iota
	// ServerManagedTools declares the tool servers to the provider; the
	// provider's own infrastructure calls them and embeds invocations plus
	// results in the response.
	ServerManagedTools
	// ClientManagedTools receives a requested tool call from the provider,
	// performs it against the tool server, feeds the result back, and makes
	// exactly one follow-up completion call.
	ClientManagedTools
)

// ProviderFactory yields a provider handle bound to the caller's credential.
type ProviderFactory interface {
	ForCall(provider, apiKey string) (domain.LLMProvider, error)
}

// DispatchRequest is one fully resolved LLM call.
type DispatchRequest struct {
	// Model is "provider/modelName"; a bare name defaults to openai.
	Model       string
	Messages    []domain.Message
	Servers     []domain.ToolServerConfig
	APIKey      string
	MaxTokens   int
	Temperature float64
	// RetryBudget overrides the controller's default retry count when > 0.
	RetryBudget int
}

// DispatchResult is the normalized outcome of one dispatch (which may span
// two provider calls under client-managed tool execution).
type DispatchResult struct {
	Message     domain.Message
	Invocations []domain.ToolInvocation
	// Followup holds intermediate messages produced by client-managed tool
	// execution, in transcript order.
	Followup []domain.Message
	Usage    domain.Usage
}

// Dispatcher selects a provider back-end, executes the call with the
// appropriate tool strategy, and normalizes the response shape.
type Dispatcher struct {
	factory ProviderFactory
	invoker domain.ToolInvoker
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(factory ProviderFactory, invoker domain.ToolInvoker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{factory: factory, invoker: invoker, logger: logger}
}

// strategyFor picks the dispatch strategy from provider capability: Anthropic
// executes declared tool servers itself; OpenAI-compatible surfaces require
// client-side function calling.
func strategyFor(provider string, servers []domain.ToolServerConfig) DispatchStrategy {
	if len(servers) == 0 {
		return NoTools
	}
	if provider == domain.ProviderAnthropic {
		return ServerManagedTools
	}
	return ClientManagedTools
}

// Dispatch implements ChatDispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	provider, model := domain.ParseModel(req.Model)

	ctx, span := tracer.StartSpan(ctx, "dispatch",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", provider),
			tracer.StringAttr("llm.model", model),
		),
	)
	defer span.End()

	llm, err := d.factory.ForCall(provider, req.APIKey)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	strategy := strategyFor(provider, req.Servers)

	var result *DispatchResult
	switch strategy {
	case ServerManagedTools:
		result, err = d.dispatchServerManaged(ctx, llm, model, req)
	case ClientManagedTools:
		result, err = d.dispatchClientManaged(ctx, llm, model, req)
	default:
		result, err = d.dispatchPlain(ctx, llm, model, req)
	}
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	tracer.SetOK(span)
	return result, nil
}

func (d *Dispatcher) dispatchPlain(ctx context.Context, llm domain.LLMProvider, model string, req DispatchRequest) (*DispatchResult, error) {
	resp, err := llm.Chat(ctx, domain.ChatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}
	return &DispatchResult{Message: resp.Message, Usage: resp.Usage}, nil
}

func (d *Dispatcher) dispatchServerManaged(ctx context.Context, llm domain.LLMProvider, model string, req DispatchRequest) (*DispatchResult, error) {
	resp, err := llm.Chat(ctx, domain.ChatRequest{
		Model:       model,
		Messages:    req.Messages,
		ToolServers: req.Servers,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}
	return &DispatchResult{
		Message:     resp.Message,
		Invocations: resp.Invocations,
		Usage:       resp.Usage,
	}, nil
}

func (d *Dispatcher) dispatchClientManaged(ctx context.Context, llm domain.LLMProvider, model string, req DispatchRequest) (*DispatchResult, error) {
	tools, byName := flattenTools(req.Servers)

	first, err := llm.Chat(ctx, domain.ChatRequest{
		Model:       model,
		Messages:    req.Messages,
		Tools:       tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}

	result := &DispatchResult{Message: first.Message, Usage: first.Usage}

	if len(first.Message.ToolCalls) == 0 {
		return result, nil
	}

	// Execute the requested calls and feed results back as tool messages.
	messages := append(append([]domain.Message{}, req.Messages...), first.Message)
	result.Followup = append(result.Followup, first.Message)

	for _, call := range first.Message.ToolCalls {
		content, isErr := d.executeToolCall(ctx, byName, call)

		result.Invocations = append(result.Invocations, domain.ToolInvocation{
			Server:    serverNameFor(byName, call.Name),
			Name:      call.Name,
			Arguments: call.Arguments,
			Result:    content,
			IsError:   isErr,
		})

		toolMsg := domain.Message{
			Role:      domain.RoleTool,
			Content:   content,
			ToolCalls: []domain.ToolCall{{ID: call.ID, Name: call.Name}},
			Timestamp: time.Now(),
		}
		messages = append(messages, toolMsg)
		result.Followup = append(result.Followup, toolMsg)
	}

	// Exactly one follow-up round. A provider asking for more tool calls here
	// is not chased further; the follow-up's content is taken as final.
	// Known limitation rather than a protocol guarantee.
	second, err := llm.Chat(ctx, domain.ChatRequest{
		Model:       model,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}

	result.Message = second.Message
	result.Followup = append(result.Followup, second.Message)
	result.Usage.Add(second.Usage)
	return result, nil
}

// executeToolCall runs one client-managed tool call. Failures become a
// `{"error": message}` payload fed back to the model so it can react, instead
// of aborting the whole node.
func (d *Dispatcher) executeToolCall(ctx context.Context, byName map[string]domain.ToolServerConfig, call domain.ToolCall) (content string, isError bool) {
	server, ok := byName[call.Name]
	if !ok {
		return toolErrorPayload(fmt.Sprintf("unknown tool %q", call.Name)), true
	}

	res, err := d.invoker.CallTool(ctx, server, call.Name, call.Arguments)
	if err != nil {
		d.logger.Warn("tool call failed", "tool", call.Name, "server", server.Name, "error", err)
		return toolErrorPayload(err.Error()), true
	}
	if res.IsError {
		return toolErrorPayload(res.Content), true
	}
	return res.Content, false
}

func toolErrorPayload(msg string) string {
	payload, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, msg)
	}
	return string(payload)
}

// flattenTools collects every declared tool schema across the resolved
// servers and maps tool name back to its server. On a name collision the
// first server wins.
func flattenTools(servers []domain.ToolServerConfig) ([]domain.ToolSchema, map[string]domain.ToolServerConfig) {
	var tools []domain.ToolSchema
	byName := make(map[string]domain.ToolServerConfig)
	for _, srv := range servers {
		for _, t := range srv.Tools {
			if _, exists := byName[t.Name]; exists {
				continue
			}
			byName[t.Name] = srv
			tools = append(tools, t)
		}
		for _, name := range srv.ToolNames {
			if _, exists := byName[name]; exists {
				continue
			}
			byName[name] = srv
			tools = append(tools, domain.ToolSchema{Name: name})
		}
	}
	return tools, byName
}

func serverNameFor(byName map[string]domain.ToolServerConfig, tool string) string {
	if srv, ok := byName[tool]; ok {
		return srv.Name
	}
	return ""
}
