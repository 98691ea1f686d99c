// Package pipeline runs sequential, resumable pipelines and gates their steps on
// out-of-band approvals.
//
// An execution moves pending -> running -> completed | failed, with
// waiting_approval as a suspension point that holds no goroutine. Resume
// rebuilds the template scope from persisted step outputs and continues at the
// first step that has not produced output.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepgate/internal/expressions"
	"github.com/rendis/stepgate/internal/llm"
	"github.com/rendis/stepgate/internal/logging"
	"github.com/rendis/stepgate/internal/mcpproxy"
	"github.com/rendis/stepgate/internal/sessions"
	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/internal/streaming"
	"github.com/rendis/stepgate/internal/validation"
	"github.com/rendis/stepgate/internal/webhook"
	"github.com/rendis/stepgate/pkg/schema"
)

const (
	defaultExecTimeout   = 5 * time.Minute
	defaultMaxOutputSize = 1 << 20 // 1MB per stream
)

// DefinitionSource resolves pipeline definitions. A missing pipeline is (nil, nil).
type DefinitionSource interface {
	LoadPipeline(name string) (*schema.PipelineDefinition, error)
	ListPipelines() []*schema.PipelineDefinition
}

// ToolProxy calls tools on downstream MCP servers.
type ToolProxy interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcpproxy.ToolResult, error)
}

// WorkflowActivator activates a workflow instance on a session and returns its
// initial variables.
type WorkflowActivator interface {
	ActivateWorkflow(ctx context.Context, sessionID, workflow string, variables map[string]any, priority int) (map[string]any, error)
}

// Store is the persistence the executor needs.
type Store interface {
	store.ExecutionStore
	store.EventStore
}

// Config holds executor tunables.
type Config struct {
	ExecTimeout   time.Duration     // default for exec steps without a timeout
	MaxOutputSize int64             // stdout/stderr cap per exec step
	ApprovalTTL   time.Duration     // 0 waits indefinitely
	BaseURL       string            // prefix of approve/reject links in webhooks
	Env           map[string]string // env exposed to templates; nil snapshots the process env
}

// Deps are the executor's collaborators. Store and Definitions are required;
// every other field may be nil.
type Deps struct {
	Store       Store
	Definitions DefinitionSource
	Validator   *validation.Validator
	Renderer    *expressions.Renderer
	JQ          *expressions.GoJQEngine
	Notifier    *webhook.Notifier
	Hub         streaming.EventHub
	Tools       ToolProxy
	LLM         *llm.Service
	Sessions    *sessions.Manager
	Spawner     sessions.Spawner
	Workflows   WorkflowActivator
	Logger      *slog.Logger
}

// RunOptions attach an execution to a project and session.
type RunOptions struct {
	ProjectID string
	SessionID string
}

// Executor runs pipelines.
type Executor struct {
	deps Deps
	cfg  Config

	mu      sync.Mutex
	running map[string]struct{} // executions with an active writer

	wg sync.WaitGroup
}

// NewExecutor creates an Executor.
func NewExecutor(deps Deps, cfg Config) *Executor {
	if deps.Renderer == nil {
		deps.Renderer = expressions.NewRenderer(nil)
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}
	deps.Logger = logging.OrDefault(deps.Logger)
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &Executor{
		deps:    deps,
		cfg:     cfg,
		running: make(map[string]struct{}),
	}
}

// SetWorkflowActivator installs the activator after construction. The workflow
// engine depends on the executor, so it is wired last. Call before serving.
func (e *Executor) SetWorkflowActivator(a WorkflowActivator) {
	e.deps.Workflows = a
}

// Definitions returns the definition source.
func (e *Executor) Definitions() DefinitionSource {
	return e.deps.Definitions
}

// Wait blocks until background executions finish.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Run loads a pipeline by name and executes it synchronously.
func (e *Executor) Run(ctx context.Context, name string, inputs map[string]any, opts RunOptions) (*store.PipelineExecution, error) {
	def, err := e.load(name)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, def, inputs, opts)
}

// Execute runs def synchronously. An approval pause returns the paused
// execution together with *schema.ApprovalRequired.
func (e *Executor) Execute(ctx context.Context, def *schema.PipelineDefinition, inputs map[string]any, opts RunOptions) (*store.PipelineExecution, error) {
	exec, scope, err := e.prepare(ctx, def, inputs, opts)
	if err != nil {
		return nil, err
	}
	if !e.claim(exec.ID) {
		return exec, conflict(exec.ID)
	}
	defer e.release(exec.ID)
	return e.run(ctx, def, exec, scope, 0, nil)
}

// Start creates the execution and runs it in the background. A gate on the
// first step is evaluated before returning so the caller sees the pause.
func (e *Executor) Start(ctx context.Context, name string, inputs map[string]any, opts RunOptions) (*store.PipelineExecution, error) {
	def, err := e.load(name)
	if err != nil {
		return nil, err
	}
	exec, scope, err := e.prepare(ctx, def, inputs, opts)
	if err != nil {
		return nil, err
	}

	if len(def.Steps) > 0 && def.Steps[0].RequiresApproval() {
		rec, err := e.newStepRecord(ctx, exec.ID, def.Steps[0].ID)
		if err != nil {
			return exec, err
		}
		if err := e.CheckApprovalGate(ctx, def.Steps[0], exec, rec, def); err != nil {
			return exec, err
		}
	}

	if !e.claim(exec.ID) {
		return exec, conflict(exec.ID)
	}
	snapshot := *exec
	bg := logging.Detach(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(exec.ID)
		defer func() {
			if r := recover(); r != nil {
				e.deps.Logger.Error("pipeline panicked",
					slog.String("execution_id", exec.ID),
					slog.Any("panic", r),
				)
				_ = e.fail(bg, def, exec, "", fmt.Errorf("panic: %v", r))
			}
		}()
		_, err := e.run(bg, def, exec, scope, 0, nil)
		e.logOutcome(bg, exec, err)
	}()
	return &snapshot, nil
}

// Resume continues a paused or interrupted execution.
func (e *Executor) Resume(ctx context.Context, executionID string) (*store.PipelineExecution, error) {
	if !e.claim(executionID) {
		return nil, conflict(executionID)
	}
	defer e.release(executionID)

	exec, err := e.deps.Store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return exec, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s and cannot be resumed", exec.ID, exec.Status).
			WithDetails(map[string]any{"execution_id": exec.ID, "status": string(exec.Status)})
	}

	def, err := e.definitionOf(exec)
	if err != nil {
		return exec, err
	}
	steps, err := e.deps.Store.GetStepsForExecution(ctx, exec.ID)
	if err != nil {
		return exec, err
	}
	records := make(map[string]*store.StepExecution, len(steps))
	for _, rec := range steps {
		records[rec.StepID] = rec
	}

	scope := expressions.NewScopeBuilder(exec.Inputs, e.cfg.Env).WithExecution(exec.ID, def.Name)
	start := len(def.Steps)
	for i, step := range def.Steps {
		rec := records[step.ID]
		if rec != nil && rec.Status == schema.StatusCompleted && len(rec.Output) > 0 {
			if err := scope.AddStepOutput(step.ID, rec.Output); err != nil {
				return exec, err
			}
			continue
		}
		start = i
		break
	}

	if start < len(def.Steps) {
		step := def.Steps[start]
		if rec := records[step.ID]; rec != nil && rec.Status == schema.StatusWaitingApproval {
			return exec, &schema.ApprovalRequired{
				ExecutionID: exec.ID,
				StepID:      step.ID,
				Token:       rec.ApprovalToken,
				Message:     approvalMessage(step),
			}
		}
	}

	if exec.Status != schema.StatusRunning {
		noToken := ""
		if err := e.setExecutionStatus(ctx, exec, schema.StatusRunning, store.ExecutionUpdate{ResumeToken: &noToken}, true); err != nil {
			return exec, err
		}
	}
	return e.run(ctx, def, exec, scope, start, records)
}

// ListPipelines returns the known definitions.
func (e *Executor) ListPipelines() []*schema.PipelineDefinition {
	return e.deps.Definitions.ListPipelines()
}

func (e *Executor) load(name string) (*schema.PipelineDefinition, error) {
	def, err := e.deps.Definitions.LoadPipeline(name)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline %q not found", name).
			WithDetails(map[string]any{"pipeline": name})
	}
	return def, nil
}

// definitionOf prefers the snapshot stored with the execution so edits to the
// file do not change a run in flight.
func (e *Executor) definitionOf(exec *store.PipelineExecution) (*schema.PipelineDefinition, error) {
	if len(exec.DefinitionJSON) > 0 {
		var def schema.PipelineDefinition
		if err := json.Unmarshal(exec.DefinitionJSON, &def); err == nil {
			return &def, nil
		}
	}
	return e.load(exec.PipelineName)
}

func (e *Executor) prepare(ctx context.Context, def *schema.PipelineDefinition, inputs map[string]any, opts RunOptions) (*store.PipelineExecution, *expressions.ScopeBuilder, error) {
	inputs = def.ApplyInputDefaults(inputs)
	if e.deps.Validator != nil {
		if err := e.deps.Validator.ValidateInputs(def, inputs); err != nil {
			return nil, nil, err
		}
	}
	snapshot, err := json.Marshal(def)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "pipeline %q: encode definition: %s", def.Name, err.Error()).WithCause(err)
	}

	exec := &store.PipelineExecution{
		ID:             uuid.New().String(),
		PipelineName:   def.Name,
		ProjectID:      opts.ProjectID,
		SessionID:      opts.SessionID,
		Status:         schema.StatusPending,
		Inputs:         inputs,
		DefinitionJSON: snapshot,
	}
	if err := e.deps.Store.CreateExecution(ctx, exec); err != nil {
		return nil, nil, err
	}
	if err := e.setExecutionStatus(ctx, exec, schema.StatusRunning, store.ExecutionUpdate{}, false); err != nil {
		return nil, nil, err
	}

	scope := expressions.NewScopeBuilder(inputs, e.cfg.Env).WithExecution(exec.ID, def.Name)
	return exec, scope, nil
}

// run executes steps[start:] and finishes the execution. The caller holds the claim.
func (e *Executor) run(ctx context.Context, def *schema.PipelineDefinition, exec *store.PipelineExecution, scope *expressions.ScopeBuilder, start int, records map[string]*store.StepExecution) (*store.PipelineExecution, error) {
	ctx = logging.WithExecutionID(ctx, exec.ID)

	for i := start; i < len(def.Steps); i++ {
		step := def.Steps[i]
		rec := records[step.ID]
		if rec == nil || rec.Status.IsTerminal() && rec.Status != schema.StatusCompleted {
			var err error
			if rec, err = e.newStepRecord(ctx, exec.ID, step.ID); err != nil {
				return exec, e.fail(ctx, def, exec, step.ID, err)
			}
		}

		approved := rec.Status == schema.StatusCompleted && rec.ApprovedBy != ""
		if !approved {
			if err := e.CheckApprovalGate(ctx, step, exec, rec, def); err != nil {
				if _, paused := schema.AsApprovalRequired(err); paused {
					return exec, err
				}
				return exec, e.fail(ctx, def, exec, step.ID, err)
			}
		}

		output, err := e.runStep(ctx, exec, step, rec, scope)
		if err != nil {
			return exec, e.fail(ctx, def, exec, step.ID, err)
		}
		if err := scope.AddStepValue(step.ID, output); err != nil {
			return exec, e.fail(ctx, def, exec, step.ID, err)
		}
	}
	return e.complete(ctx, def, exec, scope)
}

func (e *Executor) runStep(ctx context.Context, exec *store.PipelineExecution, step schema.PipelineStep, rec *store.StepExecution, scope *expressions.ScopeBuilder) (any, error) {
	ctx = logging.WithStepID(ctx, step.ID)

	// A record left running by a crash is re-run in place.
	if rec.Status != schema.StatusRunning {
		if err := CheckStepTransition(step.ID, rec.Status, schema.StatusRunning); err != nil {
			return nil, err
		}
	}
	started := time.Now().UTC()
	running := schema.StatusRunning
	if err := e.deps.Store.UpdateStepExecution(ctx, rec.ID, store.StepExecutionUpdate{Status: &running, StartedAt: &started}); err != nil {
		return nil, err
	}
	rec.Status = running
	e.record(ctx, stepEventType(running), exec, step.ID, map[string]any{"kind": kindName(step)})

	logging.LogWith(ctx, e.deps.Logger).Debug("step started", slog.String("kind", kindName(step)))
	output, err := e.dispatch(ctx, exec, step, scope.Build())
	done := time.Now().UTC()
	if err != nil {
		msg := err.Error()
		failed := schema.StatusFailed
		if uerr := e.deps.Store.UpdateStepExecution(ctx, rec.ID, store.StepExecutionUpdate{Status: &failed, Error: &msg, CompletedAt: &done}); uerr != nil {
			logging.LogWith(ctx, e.deps.Logger).Warn("failed to record step failure", slog.String("error", uerr.Error()))
		}
		rec.Status = failed
		e.record(ctx, stepEventType(failed), exec, step.ID, map[string]any{"error": msg})
		return nil, err
	}

	raw, err := json.Marshal(output)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "step %s: encode output: %s", step.ID, err.Error()).WithStep(step.ID)
	}
	completed := schema.StatusCompleted
	if err := e.deps.Store.UpdateStepExecution(ctx, rec.ID, store.StepExecutionUpdate{Status: &completed, Output: raw, CompletedAt: &done}); err != nil {
		return nil, err
	}
	rec.Status = completed
	rec.Output = raw
	e.record(ctx, stepEventType(completed), exec, step.ID, map[string]any{"duration_ms": done.Sub(started).Milliseconds()})

	// Scope sees the persisted shape so fresh runs and resumes agree.
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "step %s: decode output: %s", step.ID, err.Error()).WithStep(step.ID)
	}
	return normalized, nil
}

func (e *Executor) complete(ctx context.Context, def *schema.PipelineDefinition, exec *store.PipelineExecution, scope *expressions.ScopeBuilder) (*store.PipelineExecution, error) {
	var outputs any
	if len(def.Outputs) > 0 {
		mapped, err := e.deps.JQ.MapOutputs(ctx, def.Outputs, scope.Build())
		if err != nil {
			return exec, e.fail(ctx, def, exec, "", err)
		}
		outputs = mapped
	} else if len(def.Steps) > 0 {
		outputs = scope.StepOutputs()[def.Steps[len(def.Steps)-1].ID]
	}

	raw, err := json.Marshal(outputs)
	if err != nil {
		return exec, e.fail(ctx, def, exec, "", err)
	}
	now := time.Now().UTC()
	noToken := ""
	if err := e.setExecutionStatus(ctx, exec, schema.StatusCompleted, store.ExecutionUpdate{Outputs: raw, CompletedAt: &now, ResumeToken: &noToken}, false); err != nil {
		return exec, err
	}
	exec.Outputs = raw
	exec.CompletedAt = &now

	e.notify(ctx, webhookOf(def, func(w *schema.Webhooks) *schema.WebhookEndpoint { return w.OnComplete }), webhook.Payload{
		Event:        schema.EventExecutionCompleted,
		ExecutionID:  exec.ID,
		PipelineName: def.Name,
		Status:       string(exec.Status),
		Outputs:      outputMap(outputs),
	})
	logging.LogWith(ctx, e.deps.Logger).Info("pipeline completed", slog.String("pipeline", def.Name))
	return exec, nil
}

// fail marks the execution failed, fires on_failure and returns a STEP_FAILED
// error wrapping cause.
func (e *Executor) fail(ctx context.Context, def *schema.PipelineDefinition, exec *store.PipelineExecution, stepID string, cause error) error {
	msg := cause.Error()
	var serr *schema.StepgateError
	if stepID != "" {
		serr = schema.NewErrorf(schema.ErrCodeStepFailed, "step %s failed: %s", stepID, msg).WithStep(stepID).WithCause(cause)
	} else {
		serr = schema.NewErrorf(schema.ErrCodeStepFailed, "pipeline %s failed: %s", def.Name, msg).WithCause(cause)
	}

	now := time.Now().UTC()
	noToken := ""
	errText := serr.Message
	if !exec.Status.IsTerminal() {
		if err := e.setExecutionStatus(ctx, exec, schema.StatusFailed, store.ExecutionUpdate{Error: &errText, CompletedAt: &now, ResumeToken: &noToken}, false); err != nil {
			logging.LogWith(ctx, e.deps.Logger).Warn("failed to record execution failure", slog.String("error", err.Error()))
		}
	}
	exec.Error = errText

	e.notify(ctx, webhookOf(def, func(w *schema.Webhooks) *schema.WebhookEndpoint { return w.OnFailure }), webhook.Payload{
		Event:        schema.EventExecutionFailed,
		ExecutionID:  exec.ID,
		PipelineName: def.Name,
		Status:       string(schema.StatusFailed),
		StepID:       stepID,
		Error:        errText,
	})
	logging.LogWith(ctx, e.deps.Logger).Warn("pipeline failed",
		slog.String("pipeline", def.Name),
		slog.String("step_id", stepID),
		slog.String("error", msg),
	)
	return serr
}

func (e *Executor) logOutcome(ctx context.Context, exec *store.PipelineExecution, err error) {
	log := logging.LogWith(logging.WithExecutionID(ctx, exec.ID), e.deps.Logger)
	if ar, ok := schema.AsApprovalRequired(err); ok {
		log.Info("pipeline waiting for approval", slog.String("step_id", ar.StepID))
		return
	}
	if err != nil {
		log.Debug("background pipeline ended with error", slog.String("error", err.Error()))
	}
}

func (e *Executor) newStepRecord(ctx context.Context, executionID, stepID string) (*store.StepExecution, error) {
	rec := &store.StepExecution{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		StepID:      stepID,
		Status:      schema.StatusPending,
	}
	if err := e.deps.Store.CreateStepExecution(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// setExecutionStatus validates and persists a status change, then records the event.
func (e *Executor) setExecutionStatus(ctx context.Context, exec *store.PipelineExecution, to schema.ExecutionStatus, update store.ExecutionUpdate, resumed bool) error {
	if err := CheckExecutionTransition(exec.ID, exec.Status, to); err != nil {
		return err
	}
	update.Status = &to
	if err := e.deps.Store.UpdateExecution(ctx, exec.ID, update); err != nil {
		return err
	}
	exec.Status = to
	if update.ResumeToken != nil {
		exec.ResumeToken = *update.ResumeToken
	}
	if update.Error != nil {
		exec.Error = *update.Error
	}
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}
	if update.Outputs != nil {
		exec.Outputs = update.Outputs
	}
	payload := map[string]any{"status": string(to), "pipeline": exec.PipelineName}
	if update.Error != nil {
		payload["error"] = *update.Error
	}
	if evt := executionEventType(to, resumed); evt != "" {
		e.record(ctx, evt, exec, "", payload)
	}
	return nil
}

// record appends an audit event and publishes it to the hub. Failures are logged.
func (e *Executor) record(ctx context.Context, eventType string, exec *store.PipelineExecution, stepID string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	evt := &store.Event{
		ExecutionID: exec.ID,
		SessionID:   exec.SessionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     raw,
	}
	if err := e.deps.Store.AppendEvent(ctx, evt); err != nil {
		logging.LogWith(ctx, e.deps.Logger).Warn("failed to append event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
	if e.deps.Hub == nil {
		return
	}
	if err := e.deps.Hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: exec.ID,
		SessionID:   exec.SessionID,
		StepID:      stepID,
		EventType:   eventType,
		Payload:     payload,
	}); err != nil {
		logging.LogWith(ctx, e.deps.Logger).Debug("event publish failed", slog.String("error", err.Error()))
	}
}

func (e *Executor) notify(ctx context.Context, endpoint *schema.WebhookEndpoint, payload webhook.Payload) {
	if e.deps.Notifier == nil || endpoint == nil {
		return
	}
	payload.Timestamp = time.Now().UTC()
	e.deps.Notifier.Notify(ctx, endpoint, payload)
}

func (e *Executor) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[id]; busy {
		return false
	}
	e.running[id] = struct{}{}
	return true
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

func conflict(id string) error {
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already running", id).
		WithDetails(map[string]any{"execution_id": id})
}

func webhookOf(def *schema.PipelineDefinition, pick func(*schema.Webhooks) *schema.WebhookEndpoint) *schema.WebhookEndpoint {
	if def == nil || def.Webhooks == nil {
		return nil
	}
	return pick(def.Webhooks)
}

func outputMap(v any) map[string]any {
	switch o := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return o
	default:
		return map[string]any{"result": o}
	}
}

func kindName(step schema.PipelineStep) string {
	if step.Kind == nil {
		return ""
	}
	return step.Kind.KindName()
}
