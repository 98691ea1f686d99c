// Package api serves the daemon's HTTP routes: pipeline runs and approvals,
// execution queries, the agent hook ingress and session workflow control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/rendis/stepgate/internal/pipeline"
	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/internal/streaming"
	"github.com/rendis/stepgate/internal/workflow"
	"github.com/rendis/stepgate/pkg/schema"
)

// Pipelines is the pipeline executor surface the routes use.
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
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.PipelineExecution, error)
	GetStepsForExecution(ctx context.Context, executionID string) ([]*store.StepExecution, error)
}

// Workflows is the workflow handle surface. *workflow.Handle satisfies it.
type Workflows interface {
	DispatchContext(ctx context.Context, ev workflow.HookEvent) workflow.Decision
	Status(ctx context.Context, sessionID string) (*workflow.Status, error)
	RequestStepTransition(ctx context.Context, sessionID, workflow, toStep string, force bool) (*store.WorkflowState, error)
	ActivateWorkflow(ctx context.Context, sessionID, workflow string, variables map[string]any, priority int) (map[string]any, error)
	GrantApproval(ctx context.Context, sessionID, workflow, approvalID string) error
}

// Sessions registers and resolves agent sessions.
type Sessions interface {
	Register(ctx context.Context, sess *store.Session) (*store.Session, error)
	Resolve(ctx context.Context, ref string) (*store.Session, error)
}

// Definitions loads pipeline and workflow definitions for the diagram routes.
type Definitions interface {
	LoadPipeline(name string) (*schema.PipelineDefinition, error)
	LoadWorkflow(name string) (*schema.WorkflowDefinition, error)
}

// Deps holds the server's collaborators. Pipelines and Executions are
// required; the workflow routes answer 503 without Workflows and Sessions.
type Deps struct {
	Pipelines   Pipelines
	Executions  Executions
	Workflows   Workflows
	Sessions    Sessions
	Definitions Definitions
	Events      store.EventStore
	Hub         streaming.EventHub
	Logger      *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Pipelines.
	mux.HandleFunc("GET /api/pipelines", s.handleListPipelines)
	mux.HandleFunc("POST /api/pipelines/run", s.handleRunPipeline)
	mux.HandleFunc("GET /api/pipelines/{execution_id}", s.handleGetExecution)
	mux.HandleFunc("POST /api/pipelines/approve/{token}", s.handleApprove)
	mux.HandleFunc("POST /api/pipelines/reject/{token}", s.handleReject)
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/pipelines/{execution_id}/diagram", s.handleExecutionDiagram)
	mux.HandleFunc("GET /api/workflows/{name}/diagram", s.handleWorkflowDiagram)

	// Events.
	mux.HandleFunc("GET /api/events", s.handleListEvents)
	mux.HandleFunc("GET /api/events/stream", s.handleEventStream)

	// Agent hooks and session workflows.
	mux.HandleFunc("POST /api/hooks/{event}", s.handleHook)
	mux.HandleFunc("GET /api/sessions/{id}/workflows", s.handleWorkflowStatus)
	mux.HandleFunc("POST /api/sessions/{id}/workflows/{name}/activate", s.handleActivate)
	mux.HandleFunc("POST /api/sessions/{id}/workflows/{name}/transition", s.handleTransition)
	mux.HandleFunc("POST /api/sessions/{id}/workflows/{name}/approvals/{approval_id}", s.handleGrantApproval)

	return mux
}

// hubStats is implemented by hubs that count deliveries.
type hubStats interface {
	Stats() streaming.HubStats
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if hs, ok := s.deps.Hub.(hubStats); ok {
		body["events"] = hs.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr writes err with the status its code maps to.
func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody(err))
}

func errorBody(err error) map[string]any {
	body := map[string]any{"error": err.Error()}
	var se *schema.StepgateError
	if errors.As(err, &se) {
		body["code"] = se.Code
		if se.StepID != "" {
			body["step_id"] = se.StepID
		}
		if len(se.Details) > 0 {
			body["details"] = se.Details
		}
	}
	return body
}

// statusFor maps an error code to an HTTP status. Unknown and consumed
// approval tokens are reported as 404.
func statusFor(err error) int {
	var se *schema.StepgateError
	if !errors.As(err, &se) {
		return http.StatusInternalServerError
	}
	switch se.Code {
	case schema.ErrCodeNotFound, schema.ErrCodeInvalidToken:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeInvalidTransition:
		return http.StatusBadRequest
	case schema.ErrCodeConflict:
		return http.StatusConflict
	case schema.ErrCodeApprovalExpired:
		return http.StatusGone
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes an optional JSON body into v. An empty body is not an error.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
