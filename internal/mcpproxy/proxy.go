// Package mcpproxy calls tools on downstream MCP servers for pipeline mcp steps
// and the call_mcp_tool action. Connections are opened lazily and reused.
package mcpproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepgate/pkg/schema"
)

// DefaultInitTimeout bounds the MCP handshake when the caller's context has no deadline.
const DefaultInitTimeout = 10 * time.Second

// ServerConfig describes one downstream server. Command selects stdio, URL selects
// streamable HTTP.
type ServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ToolResult is the decoded outcome of a tool call.
type ToolResult struct {
	IsError bool
	Text    string
	Data    any // structured content, or the text parsed as JSON when possible
}

// Map renders the result as step output.
func (r *ToolResult) Map() map[string]any {
	out := map[string]any{"text": r.Text, "is_error": r.IsError}
	if r.Data != nil {
		out["data"] = r.Data
	}
	return out
}

// DialFunc opens a started (but not yet initialized) client for a server.
type DialFunc func(ctx context.Context, name string, cfg ServerConfig) (client.MCPClient, error)

// Proxy routes tool calls to configured servers.
type Proxy struct {
	mu      sync.Mutex
	servers map[string]ServerConfig
	clients map[string]client.MCPClient
	dial    DialFunc
	breaker *breakers
	logger  *slog.Logger
}

// New creates a Proxy over the given server table.
func New(servers map[string]ServerConfig, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		servers: servers,
		clients: make(map[string]client.MCPClient),
		dial:    Dial,
		breaker: newBreakers(DefaultBreakerConfig()),
		logger:  logger,
	}
}

// WithDialer replaces the transport factory.
func (p *Proxy) WithDialer(dial DialFunc) *Proxy {
	p.dial = dial
	return p
}

// WithBreaker replaces the circuit breaker settings.
func (p *Proxy) WithBreaker(cfg BreakerConfig) *Proxy {
	p.breaker = newBreakers(cfg)
	return p
}

// Servers returns the configured server names.
func (p *Proxy) Servers() []string {
	return schema.SortedKeys(p.servers)
}

// CallTool invokes tool on server. Transport failures are EXECUTION_ERROR; a tool
// that reports isError is returned as a result with IsError set. After repeated
// transport failures calls fail fast with ACTION_UNAVAILABLE until the cooldown ends.
func (p *Proxy) CallTool(ctx context.Context, server, tool string, args map[string]any) (*ToolResult, error) {
	c, err := p.open(ctx, server)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := c.CallTool(ctx, req)
	if err != nil {
		p.drop(server, c)
		p.trip(server, err)
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "mcp %s/%s: %s", server, tool, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"server": server, "tool": tool})
	}
	p.breaker.success(server)
	return decodeResult(res), nil
}

// ListTools returns the tools a server exposes.
func (p *Proxy) ListTools(ctx context.Context, server string) ([]mcp.Tool, error) {
	c, err := p.open(ctx, server)
	if err != nil {
		return nil, err
	}
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		p.drop(server, c)
		p.trip(server, err)
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "mcp %s: list tools: %s", server, err.Error()).WithCause(err)
	}
	p.breaker.success(server)
	return res.Tools, nil
}

// Close shuts down every open client.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for name, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close mcp server %s: %w", name, err)
		}
		delete(p.clients, name)
	}
	return firstErr
}

// open checks the server's circuit and connects. Connection failures count
// against the circuit; an unknown server does not.
func (p *Proxy) open(ctx context.Context, server string) (client.MCPClient, error) {
	if err := p.breaker.allow(server); err != nil {
		return nil, err
	}
	c, err := p.connect(ctx, server)
	if err != nil {
		if !schema.IsNotFound(err) {
			p.trip(server, err)
		}
		return nil, err
	}
	return c, nil
}

// trip records a transport failure and logs when the circuit opens.
func (p *Proxy) trip(server string, cause error) {
	if p.breaker.failure(server) == CircuitOpen {
		p.logger.Warn("mcp server circuit open",
			slog.String("server", server),
			slog.String("error", cause.Error()),
		)
	}
}

func (p *Proxy) connect(ctx context.Context, server string) (client.MCPClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[server]; ok {
		return c, nil
	}
	cfg, ok := p.servers[server]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "mcp server %q is not configured", server).
			WithDetails(map[string]any{"server": server, "available": p.Servers()})
	}

	c, err := p.dial(ctx, server, cfg)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "mcp %s: connect: %s", server, err.Error()).WithCause(err)
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, DefaultInitTimeout)
		defer cancel()
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "stepgate", Version: "1.0.0"}

	initRes, err := c.Initialize(initCtx, initReq)
	if err != nil {
		_ = c.Close()
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "mcp %s: initialize: %s", server, err.Error()).WithCause(err)
	}
	p.logger.Debug("mcp server connected",
		slog.String("server", server),
		slog.String("server_name", initRes.ServerInfo.Name),
		slog.String("server_version", initRes.ServerInfo.Version),
	)

	p.clients[server] = c
	return c, nil
}

// drop forgets a client after a transport error so the next call reconnects.
func (p *Proxy) drop(server string, c client.MCPClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.clients[server]; ok && cur == c {
		delete(p.clients, server)
		_ = c.Close()
	}
}

// Dial is the default DialFunc: stdio for Command, streamable HTTP for URL.
func Dial(ctx context.Context, name string, cfg ServerConfig) (client.MCPClient, error) {
	switch {
	case cfg.Command != "":
		env := make([]string, 0, len(cfg.Env))
		for _, k := range schema.SortedKeys(cfg.Env) {
			env = append(env, k+"="+os.ExpandEnv(cfg.Env[k]))
		}
		// NewStdioMCPClient starts the subprocess.
		return client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case cfg.URL != "":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			headers := make(map[string]string, len(cfg.Headers))
			for k, v := range cfg.Headers {
				headers[k] = os.ExpandEnv(v)
			}
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		c, err := client.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("server %s needs either command or url", name)
	}
}

func decodeResult(res *mcp.CallToolResult) *ToolResult {
	out := &ToolResult{IsError: res.IsError}
	var texts []string
	for _, content := range res.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			texts = append(texts, c.Text)
		case *mcp.TextContent:
			texts = append(texts, c.Text)
		}
	}
	out.Text = strings.Join(texts, "\n")

	if res.StructuredContent != nil {
		out.Data = res.StructuredContent
	} else if out.Text != "" && json.Valid([]byte(out.Text)) {
		var parsed any
		if err := json.Unmarshal([]byte(out.Text), &parsed); err == nil {
			out.Data = parsed
		}
	}
	// A JSON envelope with success=false is a failure even without isError.
	if m, ok := out.Data.(map[string]any); ok {
		if success, ok := m["success"].(bool); ok && !success {
			out.IsError = true
		}
	}
	return out
}
