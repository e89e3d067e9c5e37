package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"flowrun/internal/domain"
	"flowrun/internal/infra/config"
)

// mcpCaller abstracts the MCP client surface used for tool calls, for testing.
type mcpCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// serverConn is one live connection to a tool server plus its politeness limiter.
type serverConn struct {
	client  mcpCaller
	limiter *rate.Limiter
}

// Client invokes tools on remote MCP servers over streamable HTTP. Connections
// are cached per server URL and shared across executions; a per-server rate
// limiter keeps tools/call traffic polite toward third-party endpoints.
type Client struct {
	callTimeout time.Duration
	callsPerSec float64
	logger      *slog.Logger

	mu    sync.Mutex
	conns map[string]*serverConn // keyed by server URL

	// dial is swapped in tests to avoid real network connections.
	dial func(ctx context.Context, server domain.ToolServerConfig) (mcpCaller, error)
}

// NewClient creates a tool-server client with settings from config.
func NewClient(cfg config.ToolsConfig, logger *slog.Logger) *Client {
	c := &Client{
		callTimeout: cfg.CallTimeout,
		callsPerSec: cfg.CallsPerSecond,
		logger:      logger,
		conns:       make(map[string]*serverConn),
	}
	c.dial = c.dialHTTP
	return c
}

// Compile-time interface check.
var _ domain.ToolInvoker = (*Client)(nil)

// CallTool implements domain.ToolInvoker. Tool-level failures come back as a
// ToolResult with IsError set, never as a Go error, so the dispatcher can feed
// them to the model as `{error: message}` instead of aborting the node.
func (c *Client) CallTool(ctx context.Context, server domain.ToolServerConfig, name string, args json.RawMessage) (*domain.ToolResult, error) {
	if verr := validateToolArgs(server, name, args); verr != "" {
		return &domain.ToolResult{Content: verr, IsError: true}, nil
	}

	conn, err := c.conn(ctx, server)
	if err != nil {
		return nil, fmt.Errorf("connect tool server %q: %w", server.Name, err)
	}

	if err := conn.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("tool rate wait: %w", err)
	}

	var parsed map[string]any
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return &domain.ToolResult{
				Content: fmt.Sprintf("invalid arguments: %v", err),
				IsError: true,
			}, nil
		}
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = name
	callReq.Params.Arguments = parsed

	c.logger.Debug("tool call", "server", server.Name, "tool", name)

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	result, err := conn.client.CallTool(callCtx, callReq)
	if err != nil {
		return &domain.ToolResult{
			Content: fmt.Sprintf("tool call failed: %v", err),
			IsError: true,
		}, nil
	}

	return &domain.ToolResult{
		Content: extractContent(result),
		IsError: result.IsError,
	}, nil
}

// Close shuts down every cached connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, conn := range c.conns {
		if err := conn.client.Close(); err != nil {
			c.logger.Warn("tool server close error", "url", url, "error", err)
		}
		delete(c.conns, url)
	}
}

// conn returns the cached connection for the server, dialing on first use.
func (c *Client) conn(ctx context.Context, server domain.ToolServerConfig) (*serverConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[server.URL]; ok {
		return conn, nil
	}

	client, err := c.dial(ctx, server)
	if err != nil {
		return nil, err
	}

	conn := &serverConn{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(c.callsPerSec), 1),
	}
	c.conns[server.URL] = conn
	c.logger.Info("tool server connected", "name", server.Name, "url", server.URL)
	return conn, nil
}

func (c *Client) dialHTTP(ctx context.Context, server domain.ToolServerConfig) (mcpCaller, error) {
	headers := make(map[string]string, len(server.Headers)+1)
	for k, v := range server.Headers {
		headers[k] = v
	}
	if server.AuthToken != "" {
		headers["Authorization"] = "Bearer " + server.AuthToken
	}

	t, err := transport.NewStreamableHTTP(server.URL, transport.WithHTTPHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("create http transport: %w", err)
	}

	client := mcpclient.NewClient(t)
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "flowrun",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return nil, domain.WrapOp("initialize", err)
	}

	return client, nil
}

// validateToolArgs checks args against the tool's declared JSON Schema when
// the server's configuration carries one. Returns a non-empty message on
// validation failure; schema compile problems are ignored so a bad schema in
// the store never blocks the call.
func validateToolArgs(server domain.ToolServerConfig, name string, args json.RawMessage) string {
	var raw json.RawMessage
	for _, t := range server.Tools {
		if t.Name == name {
			raw = t.Parameters
			break
		}
	}
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return ""
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return ""
	}

	var v any
	if len(args) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Sprintf("invalid JSON: %v", err)
	}

	if err := compiled.Validate(v); err != nil {
		return fmt.Sprintf("schema validation failed: %v", err)
	}
	return ""
}

// extractContent converts MCP CallToolResult content to a string.
func extractContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}
