// Package actions runs the side effects attached to workflow steps and
// lifecycle triggers: context injection, artifacts, handoffs, variables,
// tool gating, pipelines and MCP tool calls.
//
// Actions mutate the in-memory WorkflowState handed to them; the workflow
// engine persists it. Writes to session variables and session rows go to the
// store immediately.
package actions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/stepgate/internal/expressions"
	"github.com/rendis/stepgate/internal/llm"
	"github.com/rendis/stepgate/internal/pipeline"
	"github.com/rendis/stepgate/internal/sessions"
	"github.com/rendis/stepgate/internal/skills"
	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/pkg/schema"
)

// Lifecycle variables shared with the workflow engine's tool gating.
const (
	VarBlockedTools    = "blocked_tools"
	VarUnlockedTools   = "unlocked_tools"
	VarPendingPipeline = "_pending_pipeline"
)

// PipelineRunner is the part of the pipeline executor run_pipeline needs.
type PipelineRunner interface {
	Run(ctx context.Context, name string, inputs map[string]any, opts pipeline.RunOptions) (*store.PipelineExecution, error)
	Start(ctx context.Context, name string, inputs map[string]any, opts pipeline.RunOptions) (*store.PipelineExecution, error)
}

// ActionContext is the workflow position an action runs against.
type ActionContext struct {
	SessionID        string
	State            *store.WorkflowState
	Definition       *schema.WorkflowDefinition
	SessionVariables map[string]any
	Logger           *slog.Logger
}

func (ac *ActionContext) workflowName() string {
	if ac.Definition != nil {
		return ac.Definition.Name
	}
	if ac.State != nil {
		return ac.State.WorkflowName
	}
	return ""
}

// Result is what an action produced. Context is text to inject into the
// agent; Ended reports that end_workflow removed the state.
type Result struct {
	Data    map[string]any
	Context string
	Ended   bool
}

// Deps are the services actions call. Any of them may be nil; the actions that
// need a missing service become no-ops.
type Deps struct {
	Store       store.StateStore
	Sessions    *sessions.Manager
	Skills      *skills.Catalog
	Transcripts sessions.TranscriptReader
	LLM         *llm.Service
	Pipelines   PipelineRunner
	Renderer    *expressions.Renderer
	Tools       pipeline.ToolProxy
	Logger      *slog.Logger
}

// Executor dispatches ActionSpecs to their handlers.
type Executor struct {
	deps Deps
}

type handler func(ctx context.Context, ac *ActionContext, params map[string]any) (*Result, error)

// NewExecutor creates an Executor.
func NewExecutor(deps Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Renderer == nil {
		deps.Renderer = expressions.NewRenderer(expressions.NewExprEngine())
	}
	return &Executor{deps: deps}
}

// Execute renders the action's params and runs it. A nil Result means the
// action had nothing to report.
func (e *Executor) Execute(ctx context.Context, ac *ActionContext, spec schema.ActionSpec) (*Result, error) {
	kind, err := ParseActionKind(spec.Action)
	if err != nil {
		return nil, err
	}
	if ac.Logger == nil {
		ac.Logger = e.deps.Logger
	}
	if ac.State == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "action %s: no workflow state", kind)
	}
	if ac.State.Variables == nil {
		ac.State.Variables = map[string]any{}
	}
	if ac.State.Artifacts == nil {
		ac.State.Artifacts = map[string]string{}
	}

	params, err := e.deps.Renderer.RenderMap(ctx, spec.Params, e.scope(ac))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "action %s: %v", kind, err).WithCause(err)
	}
	if params == nil {
		params = map[string]any{}
	}

	res, err := e.handlerFor(kind)(ctx, ac, params)
	if err != nil {
		ac.Logger.Warn("action failed",
			slog.String("action", kind.String()),
			slog.String("session_id", ac.SessionID),
			slog.String("workflow", ac.workflowName()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return res, nil
}

// handlerFor maps every kind to its handler.
func (e *Executor) handlerFor(kind ActionKind) handler {
	switch kind {
	case KindInjectContext:
		return e.injectContext
	case KindCaptureArtifact:
		return e.captureArtifact
	case KindGenerateHandoff:
		return e.generateHandoff
	case KindSetVariable:
		return e.setVariable
	case KindIncrementVariable:
		return e.incrementVariable
	case KindEndWorkflow:
		return e.endWorkflow
	case KindRunPipeline:
		return e.runPipeline
	case KindBlockTools:
		return e.blockTools
	case KindUnlockTools:
		return e.unlockTools
	case KindCallMCPTool:
		return e.callMCPTool
	default:
		panic(fmt.Sprintf("actions: unhandled kind %d", kind))
	}
}

// scope is the template data for action params.
func (e *Executor) scope(ac *ActionContext) map[string]any {
	artifacts := make(map[string]any, len(ac.State.Artifacts))
	for k, v := range ac.State.Artifacts {
		artifacts[k] = v
	}
	sessionVars := ac.SessionVariables
	if sessionVars == nil {
		sessionVars = map[string]any{}
	}
	return map[string]any{
		"variables":         ac.State.Variables,
		"session_id":        ac.SessionID,
		"workflow":          ac.workflowName(),
		"step":              ac.State.Step,
		"artifacts":         artifacts,
		"session_variables": sessionVars,
	}
}
