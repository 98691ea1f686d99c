// Package mcp exposes pipelines and session workflows as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepgate/internal/pipeline"
	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/internal/streaming"
	"github.com/rendis/stepgate/internal/workflow"
	"github.com/rendis/stepgate/pkg/schema"
)

// Pipelines is the executor surface the tools drive.
type Pipelines interface {
	Run(ctx context.Context, name string, inputs map[string]any, opts pipeline.RunOptions) (*store.PipelineExecution, error)
	Resume(ctx context.Context, executionID string) (*store.PipelineExecution, error)
	ApproveStep(ctx context.Context, token, approvedBy string) (*store.PipelineExecution, error)
	RejectStep(ctx context.Context, token, rejectedBy string) (*store.PipelineExecution, error)
	ListPipelines() []*schema.PipelineDefinition
}

// Executions reads persisted executions.
type Executions interface {
	GetExecution(ctx context.Context, id string) (*store.PipelineExecution, error)
	GetStepsForExecution(ctx context.Context, executionID string) ([]*store.StepExecution, error)
}

// Workflows is the session workflow surface.
type Workflows interface {
	Status(ctx context.Context, sessionID string) (*workflow.Status, error)
	RequestStepTransition(ctx context.Context, sessionID, workflow, toStep string, force bool) (*store.WorkflowState, error)
	ActivateWorkflow(ctx context.Context, sessionID, workflow string, variables map[string]any, priority int) (map[string]any, error)
}

// Sessions resolves session references to sessions.
type Sessions interface {
	Resolve(ctx context.Context, ref string) (*store.Session, error)
}

// Deps holds the dependencies for creating a StepgateServer. The workflow
// tools report an error without Workflows and Sessions.
type Deps struct {
	Pipelines  Pipelines
	Executions Executions
	Workflows  Workflows
	Sessions   Sessions
	Hub        streaming.EventHub
	Logger     *slog.Logger
}

// StepgateServer wraps an MCP server with stepgate tool handlers.
type StepgateServer struct {
	deps      Deps
	logger    *slog.Logger
	mcpServer *server.MCPServer
	clients   *SessionRegistry
	notifier  *Notifier

	toolsMu sync.Mutex
	dynamic map[string]struct{}
}

// NewStepgateServer creates a server with the core tools and one tool per
// exposed pipeline registered.
func NewStepgateServer(deps Deps) *StepgateServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StepgateServer{
		deps:    deps,
		logger:  logger,
		clients: NewSessionRegistry(),
		dynamic: make(map[string]struct{}),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.clients.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"stepgate",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Stepgate runs approval-gated pipelines and enforces step workflows on agent sessions. Use list_pipelines to discover pipelines, run_pipeline to run one, approve_pipeline or reject_pipeline to resolve a waiting approval, and get_pipeline_status to inspect an execution. Pipelines marked expose_as_tool are also available as pipeline:<name> tools."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, s.clients, logger)
	s.RefreshPipelineTools()
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StepgateServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler serves the tools over the streamable HTTP transport.
func (s *StepgateServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepgateServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ForwardEvents pushes hub failures and approval requests to MCP clients
// until ctx is cancelled. It returns nil without a hub.
func (s *StepgateServer) ForwardEvents(ctx context.Context) error {
	if s.deps.Hub == nil {
		return nil
	}
	return s.notifier.Forward(ctx, s.deps.Hub)
}

// tools returns the static tool set.
func (s *StepgateServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listPipelinesTool(), Handler: s.handleListPipelines},
		{Tool: runPipelineTool(), Handler: s.handleRunPipeline},
		{Tool: approvePipelineTool(), Handler: s.handleApprove},
		{Tool: rejectPipelineTool(), Handler: s.handleReject},
		{Tool: pipelineStatusTool(), Handler: s.handlePipelineStatus},
		{Tool: workflowStatusTool(), Handler: s.handleWorkflowStatus},
		{Tool: stepTransitionTool(), Handler: s.handleStepTransition},
		{Tool: activateWorkflowTool(), Handler: s.handleActivateWorkflow},
	}
}

// --- Tool definitions ---

func listPipelinesTool() mcp.Tool {
	return mcp.NewTool("list_pipelines",
		mcp.WithDescription("List the available pipelines with their inputs and steps"),
	)
}

func runPipelineTool() mcp.Tool {
	return mcp.NewTool("run_pipeline",
		mcp.WithDescription("Run a pipeline. Returns its outputs, or a token when a step waits for approval"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Pipeline name")),
		mcp.WithObject("inputs", mcp.Description("Pipeline inputs")),
		mcp.WithString("project_id", mcp.Description("Project the execution belongs to")),
		mcp.WithString("session_id", mcp.Description("Session the execution belongs to")),
	)
}

func approvePipelineTool() mcp.Tool {
	return mcp.NewTool("approve_pipeline",
		mcp.WithDescription("Approve a waiting step by its token and resume the pipeline"),
		mcp.WithString("token", mcp.Required(), mcp.Description("Approval token")),
		mcp.WithString("approved_by", mcp.Description("Who approved (default: mcp)")),
	)
}

func rejectPipelineTool() mcp.Tool {
	return mcp.NewTool("reject_pipeline",
		mcp.WithDescription("Reject a waiting step by its token, cancelling the pipeline"),
		mcp.WithString("token", mcp.Required(), mcp.Description("Approval token")),
		mcp.WithString("rejected_by", mcp.Description("Who rejected (default: mcp)")),
	)
}

func pipelineStatusTool() mcp.Tool {
	return mcp.NewTool("get_pipeline_status",
		mcp.WithDescription("Get a pipeline execution with its step records"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
	)
}

func workflowStatusTool() mcp.Tool {
	return mcp.NewTool("get_workflow_status",
		mcp.WithDescription("Get the enabled and disabled workflows of a session with their current steps"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID, external ID or unique prefix")),
	)
}

func stepTransitionTool() mcp.Tool {
	return mcp.NewTool("request_step_transition",
		mcp.WithDescription("Move a session workflow to another step. Without force the step's exit conditions must hold"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID, external ID or unique prefix")),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithString("to_step", mcp.Required(), mcp.Description("Target step")),
		mcp.WithBoolean("force", mcp.Description("Skip exit condition checks")),
	)
}

func activateWorkflowTool() mcp.Tool {
	return mcp.NewTool("activate_workflow",
		mcp.WithDescription("Activate a workflow on a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID, external ID or unique prefix")),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithObject("variables", mcp.Description("Initial workflow variables")),
		mcp.WithNumber("priority", mcp.Description("Evaluation priority, lower runs first")),
	)
}
