package mcpproxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepgate/pkg/schema"
)

func newTestServer() *server.MCPServer {
	srv := server.NewMCPServer("downstream", "0.1.0", server.WithToolCapabilities(false))
	srv.AddTool(mcp.NewTool("echo", mcp.WithString("msg")), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		msg, _ := req.GetArguments()["msg"].(string)
		return mcp.NewToolResultText(`{"echo":"` + msg + `"}`), nil
	})
	srv.AddTool(mcp.NewTool("fail"), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("nope"), nil
	})
	srv.AddTool(mcp.NewTool("envelope"), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(`{"success":false,"error":"bad input"}`), nil
	})
	return srv
}

func newTestProxy(t *testing.T) *Proxy {
	t.Helper()
	srv := newTestServer()
	p := New(map[string]ServerConfig{"down": {Command: "unused"}}, nil).
		WithDialer(func(ctx context.Context, name string, cfg ServerConfig) (client.MCPClient, error) {
			c, err := client.NewInProcessClient(srv)
			if err != nil {
				return nil, err
			}
			if err := c.Start(ctx); err != nil {
				return nil, err
			}
			return c, nil
		})
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProxy_CallTool(t *testing.T) {
	p := newTestProxy(t)
	ctx := context.Background()

	res, err := p.CallTool(ctx, "down", "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, map[string]any{"echo": "hi"}, res.Data)
	assert.Equal(t, `{"echo":"hi"}`, res.Map()["text"])

	// Second call reuses the connection.
	_, err = p.CallTool(ctx, "down", "echo", map[string]any{"msg": "again"})
	require.NoError(t, err)
	assert.Len(t, p.clients, 1)
}

func TestProxy_ToolErrors(t *testing.T) {
	p := newTestProxy(t)
	ctx := context.Background()

	res, err := p.CallTool(ctx, "down", "fail", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "nope", res.Text)

	res, err = p.CallTool(ctx, "down", "envelope", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError, "success=false envelope is an error")
}

func TestProxy_ListTools(t *testing.T) {
	p := newTestProxy(t)
	tools, err := p.ListTools(context.Background(), "down")
	require.NoError(t, err)
	assert.Len(t, tools, 3)
}

func TestProxy_UnknownServer(t *testing.T) {
	p := New(nil, nil)
	_, err := p.CallTool(context.Background(), "ghost", "x", nil)
	assert.True(t, schema.IsNotFound(err))
}

func TestProxy_DialFailure(t *testing.T) {
	p := New(map[string]ServerConfig{"down": {}}, nil).
		WithDialer(func(context.Context, string, ServerConfig) (client.MCPClient, error) {
			return nil, errors.New("refused")
		})
	_, err := p.CallTool(context.Background(), "down", "x", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestDial_RequiresTransport(t *testing.T) {
	_, err := Dial(context.Background(), "empty", ServerConfig{})
	assert.Error(t, err)
}

func TestProxy_CircuitOpensAfterRepeatedDialFailures(t *testing.T) {
	dials := 0
	p := New(map[string]ServerConfig{"down": {}}, nil).
		WithBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1}).
		WithDialer(func(context.Context, string, ServerConfig) (client.MCPClient, error) {
			dials++
			return nil, errors.New("refused")
		})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.CallTool(ctx, "down", "x", nil)
		assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
	}
	_, err := p.CallTool(ctx, "down", "x", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionUnavailable))
	assert.Equal(t, 2, dials, "open circuit must not dial")
	assert.Equal(t, CircuitOpen, p.breaker.state("down"))
}

func TestProxy_CircuitRecoversAfterCooldown(t *testing.T) {
	srv := newTestServer()
	fail := true
	p := New(map[string]ServerConfig{"down": {}}, nil).
		WithBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMax: 1}).
		WithDialer(func(ctx context.Context, _ string, _ ServerConfig) (client.MCPClient, error) {
			if fail {
				return nil, errors.New("refused")
			}
			c, err := client.NewInProcessClient(srv)
			if err != nil {
				return nil, err
			}
			if err := c.Start(ctx); err != nil {
				return nil, err
			}
			return c, nil
		})
	t.Cleanup(func() { _ = p.Close() })
	now := time.Now()
	p.breaker.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := p.CallTool(ctx, "down", "echo", nil)
	require.Error(t, err)
	_, err = p.CallTool(ctx, "down", "echo", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionUnavailable))

	fail = false
	now = now.Add(2 * time.Minute)
	res, err := p.CallTool(ctx, "down", "echo", map[string]any{"msg": "back"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, CircuitClosed, p.breaker.state("down"))
}

func TestProxy_ToolErrorsKeepCircuitClosed(t *testing.T) {
	p := newTestProxy(t).WithBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMax: 1})
	for i := 0; i < 3; i++ {
		res, err := p.CallTool(context.Background(), "down", "fail", nil)
		require.NoError(t, err)
		assert.True(t, res.IsError)
	}
	assert.Equal(t, CircuitClosed, p.breaker.state("down"))
}

func TestBreakers_HalfOpenFailureReopens(t *testing.T) {
	b := newBreakers(BreakerConfig{FailureThreshold: 3, Cooldown: time.Second, HalfOpenMax: 1})
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		b.failure("s")
	}
	require.Error(t, b.allow("s"))

	now = now.Add(2 * time.Second)
	require.NoError(t, b.allow("s"))
	assert.Equal(t, CircuitHalfOpen, b.state("s"))
	assert.Error(t, b.allow("s"), "only one trial call while half-open")

	assert.Equal(t, CircuitOpen, b.failure("s"))
	assert.Equal(t, "open", b.state("s").String())
}
