package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"go.opentelemetry.io/otel/trace"

	"flowrun/internal/domain"
	"flowrun/internal/infra/tracer"
)

// Prompt-assembly limits, in estimated tokens. Three escalating checkpoints:
// the instruction field alone, the whole assembled context, and a hard
// circuit breaker that applies the smallest cap.
const (
	instructionTokenLimit    = 8000
	contextTokenLimit        = 6000
	hardCapReducedTokenLimit = 2000

	// historyKeptOnTrim is how many trailing transcript entries survive when
	// the whole-context check trips.
	historyKeptOnTrim = 3
)

// ToolServerResolver turns a node spec's tool references into resolved
// configurations.
type ToolServerResolver interface {
	Resolve(ctx context.Context, spec domain.AgentNodeSpec, creds map[string]string) ([]domain.ToolServerConfig, error)
}

// Executor is the produced interface to the rest of the workflow engine: one
// operation that executes an agent node against an execution state and
// returns a normalized result or a classified failure.
type Executor struct {
	resolver   ToolServerResolver
	retry      *RetryController
	classifier *ErrorClassifier
	logger     *slog.Logger

	now func() time.Time // for testing
}

// NewExecutor creates an executor.
func NewExecutor(resolver ToolServerResolver, retry *RetryController, logger *slog.Logger) *Executor {
	return &Executor{
		resolver:   resolver,
		retry:      retry,
		classifier: NewErrorClassifier(),
		logger:     logger,
		now:        time.Now,
	}
}

// ExecuteAgentNode runs one agent node: render and optimize the prompt,
// resolve tool servers, dispatch through the retry controller, and normalize
// the outcome. All nested failures are caught here, once, and re-thrown as a
// classified error with a user-facing message.
func (e *Executor) ExecuteAgentNode(ctx context.Context, spec domain.AgentNodeSpec, state domain.ExecutionState, retryBudget int) (*domain.NodeResult, error) {
	ctx, span := tracer.StartSpan(ctx, "execute_agent_node",
		trace.WithAttributes(
			tracer.StringAttr("workflow.id", state.WorkflowID),
			tracer.StringAttr("node.id", state.NodeID),
			tracer.StringAttr("llm.model", spec.Model),
		),
	)
	defer span.End()

	result, err := e.execute(ctx, spec, state, retryBudget)
	if err != nil {
		err = e.classifyFailure(err)
		tracer.RecordError(span, err)
		e.logger.Error("agent node failed",
			"workflow_id", state.WorkflowID,
			"node_id", state.NodeID,
			"code", domain.ErrorCodeOf(err),
			"error", err,
		)
		return nil, err
	}

	tracer.SetOK(span)
	return result, nil
}

func (e *Executor) execute(ctx context.Context, spec domain.AgentNodeSpec, state domain.ExecutionState, retryBudget int) (*domain.NodeResult, error) {
	provider, _ := domain.ParseModel(spec.Model)

	instructions := renderInstructions(spec.Instructions, state.Variables)
	instructions = OptimizePrompt(instructions, instructionTokenLimit)

	history := state.Transcript
	if !spec.IncludeChatHistory {
		history = nil
	}

	messages, userMsg := e.assembleMessages(instructions, history)

	// Whole-context checkpoint: shrink history and re-optimize under the
	// aggressive limit.
	if contextEstimate(messages) > contextTokenLimit {
		history = lastMessages(history, historyKeptOnTrim)
		instructions = OptimizePrompt(instructions, contextTokenLimit)
		messages, userMsg = e.assembleMessages(instructions, history)
	}

	// Hard circuit breaker regardless of the previous checks.
	if contextEstimate(messages) > hardCapTokens {
		instructions = OptimizePrompt(instructions, hardCapReducedTokenLimit)
		messages, userMsg = e.assembleMessages(instructions, history)
	}

	servers, err := e.resolver.Resolve(ctx, spec, state.Credentials)
	if err != nil {
		return nil, err
	}

	dispatch, err := e.retry.Execute(ctx, DispatchRequest{
		Model:       spec.Model,
		Messages:    messages,
		Servers:     servers,
		APIKey:      state.Credentials[provider],
		MaxTokens:   spec.MaxTokens,
		Temperature: spec.Temperature,
		RetryBudget: retryBudget,
	})
	if err != nil {
		return nil, err
	}

	output := decodeOutput(spec.OutputFormat, dispatch.Message.Content)

	delta := []domain.Message{userMsg}
	delta = append(delta, dispatch.Followup...)
	if len(dispatch.Followup) == 0 || !sameMessage(dispatch.Followup[len(dispatch.Followup)-1], dispatch.Message) {
		delta = append(delta, dispatch.Message)
	}

	return &domain.NodeResult{
		Output:          output,
		Invocations:     dispatch.Invocations,
		TranscriptDelta: delta,
		VariableUpdates: map[string]any{"lastOutput": output},
		Usage:           dispatch.Usage,
	}, nil
}

// assembleMessages builds the provider message list: prior history followed
// by the instructions as the user turn.
func (e *Executor) assembleMessages(instructions string, history []domain.Message) ([]domain.Message, domain.Message) {
	userMsg := domain.Message{
		Role:      domain.RoleUser,
		Content:   instructions,
		Timestamp: e.now(),
	}
	messages := append(append([]domain.Message{}, history...), userMsg)
	return messages, userMsg
}

// classifyFailure maps an internal error onto the user-facing taxonomy.
// Configuration and rate-limit errors already carry their messages; anything
// else becomes a provider error with a generic prefix preserving the
// original message.
func (e *Executor) classifyFailure(err error) error {
	switch {
	case errors.Is(err, domain.ErrProviderNotConfigured):
		return fmt.Errorf("%w; add the provider's API key to the user's credentials", err)
	case errors.Is(err, domain.ErrRateLimit),
		errors.Is(err, domain.ErrRateLimitTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}

	cls := e.classifier.Classify(err)
	sentinel := cls.Sentinel
	if sentinel == nil {
		sentinel = domain.ErrProviderError
	}
	return domain.NewDomainError("ExecuteAgentNode", sentinel,
		fmt.Sprintf("agent execution failed: %v", err))
}

// renderInstructions runs the instruction template against the execution
// variables. A template that fails to parse or execute degrades to the raw
// text rather than failing the node.
func renderInstructions(instructions string, vars map[string]any) string {
	if !strings.Contains(instructions, "{{") {
		return instructions
	}

	tmpl, err := template.New("instructions").Option("missingkey=zero").Parse(instructions)
	if err != nil {
		return instructions
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, vars); err != nil {
		return instructions
	}
	return b.String()
}

// contextEstimate sums the token estimate across all message contents.
func contextEstimate(messages []domain.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokenCount(m.Content)
	}
	return total
}

func lastMessages(msgs []domain.Message, n int) []domain.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// decodeOutput parses JSON output when requested, degrading to the raw
// string when the model's answer is not valid JSON.
func decodeOutput(format domain.OutputFormat, content string) any {
	if format != domain.OutputJSON {
		return content
	}

	trimmed := strings.TrimSpace(content)
	// Models frequently fence JSON answers in markdown.
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return content
	}
	return v
}

func sameMessage(a, b domain.Message) bool {
	return a.Role == b.Role && a.Content == b.Content
}
