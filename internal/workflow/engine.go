// Package workflow drives per-session step workflows: activation, hook event
// handling, tool gating, step transitions and termination.
//
// The Engine is not safe for concurrent mutation of the same session; the
// Handle runs each session's calls one at a time in that session's lane.
package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/stepgate/internal/actions"
	"github.com/rendis/stepgate/internal/conditions"
	"github.com/rendis/stepgate/internal/expressions"
	"github.com/rendis/stepgate/internal/logging"
	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/internal/streaming"
	"github.com/rendis/stepgate/pkg/schema"
)

// DefaultExemptTools are never gated, so an agent can always reach the
// workflow's own control tools.
var DefaultExemptTools = []string{"mcp__stepgate__*"}

// DefinitionSource resolves workflow definitions. A missing workflow is (nil, nil).
type DefinitionSource interface {
	LoadWorkflow(name string) (*schema.WorkflowDefinition, error)
}

// Store is the persistence the engine needs.
type Store interface {
	store.StateStore
	store.EventStore
}

// Deps wires the engine.
type Deps struct {
	Store       Store
	Definitions DefinitionSource
	Actions     *actions.Executor
	Expr        *expressions.ExprEngine
	CEL         *expressions.CELEngine
	Hub         streaming.EventHub
	Logger      *slog.Logger
	ExemptTools []string
}

// Engine evaluates workflows against hook events.
type Engine struct {
	deps  Deps
	conds *conditions.Evaluator
}

// NewEngine creates an Engine. Missing expression engines are created.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Expr == nil {
		deps.Expr = expressions.NewExprEngine()
	}
	if deps.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		deps.CEL = cel
	}
	if deps.Actions == nil {
		deps.Actions = actions.NewExecutor(actions.Deps{Store: deps.Store, Logger: deps.Logger})
	}
	if deps.ExemptTools == nil {
		deps.ExemptTools = DefaultExemptTools
	}
	return &Engine{deps: deps, conds: conditions.NewEvaluator(deps.Expr)}, nil
}

func (e *Engine) load(name string) (*schema.WorkflowDefinition, error) {
	def, err := e.deps.Definitions.LoadWorkflow(name)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name).
			WithDetails(map[string]any{"workflow": name})
	}
	return def, nil
}

// Activate creates the instance at the first step, or re-enables an existing
// one. A disabled instance restarts at the first step; an enabled one keeps
// its position. Declared variables and session-variable defaults only fill
// absent keys; vars always overwrite.
func (e *Engine) Activate(ctx context.Context, sessionID, workflow string, vars map[string]any, opts ActivateOptions) (*store.WorkflowInstance, error) {
	def, err := e.load(workflow)
	if err != nil {
		return nil, err
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no steps", workflow)
	}

	inst, err := e.deps.Store.GetInstance(ctx, sessionID, workflow)
	switch {
	case schema.IsNotFound(err):
		inst = &store.WorkflowInstance{
			ID:            uuid.New().String(),
			Priority:      def.Priority,
			WorkflowState: *store.NewWorkflowState(sessionID, workflow, def.FirstStep()),
		}
	case err != nil:
		return nil, err
	case !inst.Enabled:
		inst.EnterStep(def.FirstStep())
	}
	inst.Enabled = true
	if opts.Priority != nil {
		inst.Priority = *opts.Priority
	}
	if inst.Variables == nil {
		inst.Variables = map[string]any{}
	}
	for k, v := range expressions.DeepCopy(def.Variables) {
		if _, ok := inst.Variables[k]; !ok {
			inst.Variables[k] = v
		}
	}
	for k, v := range vars {
		inst.Variables[k] = v
	}

	if len(def.SessionVariables) > 0 {
		current, err := e.deps.Store.GetSessionVariables(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		missing := make(map[string]any)
		for k, v := range def.SessionVariables {
			if _, ok := current[k]; !ok {
				missing[k] = v
			}
		}
		if len(missing) > 0 {
			if _, err := e.deps.Store.MergeSessionVariables(ctx, sessionID, missing); err != nil {
				return nil, err
			}
		}
	}

	if err := e.deps.Store.SaveInstance(ctx, inst); err != nil {
		return nil, err
	}
	e.record(ctx, schema.EventWorkflowActivated, sessionID, workflow, map[string]any{
		"step":     inst.Step,
		"priority": inst.Priority,
	})
	logging.LogWith(ctx, e.deps.Logger).Info("workflow activated",
		slog.String("session_id", sessionID),
		slog.String("workflow", workflow),
		slog.String("step", inst.Step),
	)
	return inst, nil
}

// HandleEvent runs the event through every enabled instance of the session in
// priority order. It never fails: errors are logged and the instance is
// skipped. The first blocking instance decides; contexts are concatenated.
func (e *Engine) HandleEvent(ctx context.Context, ev HookEvent) Decision {
	ctx = logging.WithSessionID(ctx, ev.SessionID)
	logger := logging.LogWith(ctx, e.deps.Logger)

	insts, err := e.deps.Store.ListInstances(ctx, ev.SessionID, store.InstanceFilter{EnabledOnly: true})
	if err != nil {
		logger.Warn("list workflow instances failed", slog.String("error", err.Error()))
		return Allow()
	}
	if len(insts) == 0 {
		return Allow()
	}
	sessionVars, err := e.deps.Store.GetSessionVariables(ctx, ev.SessionID)
	if err != nil {
		logger.Warn("read session variables failed", slog.String("error", err.Error()))
		sessionVars = map[string]any{}
	}

	decision := Allow()
	var contexts []string
	for _, inst := range insts {
		out, vars, err := e.handleInstance(logging.WithWorkflow(ctx, inst.WorkflowName), inst, ev, sessionVars)
		if vars != nil {
			sessionVars = vars
		}
		if err != nil {
			logger.Warn("workflow evaluation failed",
				slog.String("workflow", inst.WorkflowName),
				slog.String("error", err.Error()),
			)
		}
		if out.Context != "" {
			contexts = append(contexts, out.Context)
		}
		if out.Blocked() && !decision.Blocked() {
			decision.Verdict = VerdictBlock
			decision.Reason = out.Reason
			decision.Workflow = inst.WorkflowName
		}
	}
	decision.Context = strings.Join(contexts, "\n\n")
	return decision
}

// handleInstance evaluates one instance. The returned decision is valid even
// when err is set.
func (e *Engine) handleInstance(ctx context.Context, inst *store.WorkflowInstance, ev HookEvent, sessionVars map[string]any) (Decision, map[string]any, error) {
	out := Allow()
	def, err := e.load(inst.WorkflowName)
	if err != nil {
		return out, nil, err
	}
	st := &inst.WorkflowState
	if st.Variables == nil {
		st.Variables = map[string]any{}
	}
	ac := &actions.ActionContext{
		SessionID:        ev.SessionID,
		State:            st,
		Definition:       def,
		SessionVariables: sessionVars,
		Logger:           logging.LogWith(ctx, e.deps.Logger),
	}
	var contexts []string
	collect := func(text string) {
		if text != "" {
			contexts = append(contexts, text)
		}
	}
	finish := func(err error) (Decision, map[string]any, error) {
		out.Context = strings.Join(contexts, "\n\n")
		return out, ac.SessionVariables, err
	}

	if !st.ContextInjected {
		text, ended := e.enterStep(ctx, ac, def)
		collect(text)
		if ended {
			return finish(nil)
		}
	}

	if ev.Type == schema.HookBeforeTool && ev.ToolName != "" {
		if reason := e.gate(def, st, ac.SessionVariables, ev.ToolName); reason != "" {
			out.Verdict, out.Reason = VerdictBlock, reason
			e.record(ctx, schema.EventToolBlocked, ev.SessionID, def.Name, map[string]any{
				"tool":   ev.ToolName,
				"step":   st.Step,
				"reason": reason,
			})
		}
	}

	text, block, ended := e.runTriggers(ctx, ac, def, ev)
	collect(text)
	if ended {
		return finish(nil)
	}
	if block != "" && !out.Blocked() {
		out.Verdict, out.Reason = VerdictBlock, block
	}

	if ev.Type == schema.HookAfterTool {
		st.StepActionCount++
		st.TotalActionCount++
	}

	if !out.Blocked() {
		text, ended, err := e.advance(ctx, ac, def)
		collect(text)
		if ended {
			return finish(nil)
		}
		if err != nil {
			ac.Logger.Warn("step exit evaluation failed", slog.String("error", err.Error()))
		}
	}

	if def.ExitCondition != "" {
		done, err := expressions.EvaluateBool(ctx, e.deps.Expr, def.ExitCondition, e.exprEnv(st, ac.SessionVariables))
		if err != nil {
			ac.Logger.Warn("exit_condition evaluation failed", slog.String("error", err.Error()))
		} else if done {
			if err := e.end(ctx, ac, "exit_condition"); err != nil {
				return finish(err)
			}
			return finish(nil)
		}
	}

	return finish(e.deps.Store.SaveState(ctx, st))
}

// enterStep runs the current step's on_enter actions and marks the context
// injected. ended reports that an action ended the workflow.
func (e *Engine) enterStep(ctx context.Context, ac *actions.ActionContext, def *schema.WorkflowDefinition) (string, bool) {
	ac.State.ContextInjected = true
	step, _ := def.Step(ac.State.Step)
	if step == nil {
		return "", false
	}
	return e.runActions(ctx, ac, step.OnEnter)
}

// runActions executes specs in order. Failures are logged and skipped.
func (e *Engine) runActions(ctx context.Context, ac *actions.ActionContext, specs []schema.ActionSpec) (string, bool) {
	var contexts []string
	for _, spec := range specs {
		res, err := e.deps.Actions.Execute(ctx, ac, spec)
		if err != nil {
			continue
		}
		if res == nil {
			continue
		}
		if res.Context != "" {
			contexts = append(contexts, res.Context)
		}
		if res.Ended {
			e.record(ctx, schema.EventWorkflowEnded, ac.SessionID, ac.State.WorkflowName, map[string]any{
				"step":   ac.State.Step,
				"reason": "end_workflow",
			})
			return strings.Join(contexts, "\n\n"), true
		}
	}
	return strings.Join(contexts, "\n\n"), false
}

// runTriggers evaluates the lifecycle rules for the event. It returns the
// injected context, a block reason for before_tool rules and whether the
// workflow ended.
func (e *Engine) runTriggers(ctx context.Context, ac *actions.ActionContext, def *schema.WorkflowDefinition, ev HookEvent) (string, string, bool) {
	rules := def.Triggers.For(ev.Type)
	if len(rules) == 0 {
		return "", "", false
	}
	var (
		contexts []string
		block    string
	)
	for i, rule := range rules {
		if len(rule.Tools) > 0 && !containsTool(rule.Tools, ev.ToolName) {
			continue
		}
		if rule.When != "" {
			ok, err := expressions.EvaluateBool(ctx, e.deps.CEL, rule.When, e.triggerEnv(ac, ev))
			if err != nil {
				ac.Logger.Warn("trigger guard failed",
					slog.Int("rule", i),
					slog.String("hook", string(ev.Type)),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !ok {
				continue
			}
		}
		text, ended := e.runActions(ctx, ac, rule.Actions)
		if text != "" {
			contexts = append(contexts, text)
		}
		if ended {
			return strings.Join(contexts, "\n\n"), "", true
		}
		if rule.Block && ev.Type == schema.HookBeforeTool && block == "" {
			block = rule.Reason
			if block == "" {
				block = "blocked by workflow " + def.Name
			}
		}
	}
	return strings.Join(contexts, "\n\n"), block, false
}

// advance leaves the current step when its exit conditions hold, taking the
// first matching transition (or the next step when none are declared).
func (e *Engine) advance(ctx context.Context, ac *actions.ActionContext, def *schema.WorkflowDefinition) (string, bool, error) {
	st := ac.State
	step, idx := def.Step(st.Step)
	if step == nil {
		return "", false, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no step %q", def.Name, st.Step)
	}
	if len(step.ExitConditions) == 0 && step.ExitWhen == "" {
		return "", false, nil
	}
	ok, err := e.conds.Evaluate(step.ExitConditions, st.Variables, step.ExitWhen)
	if err != nil || !ok {
		return "", false, err
	}

	next, err := e.nextStep(ctx, def, step, idx, st)
	if err != nil || next == "" {
		return "", false, err
	}
	return e.transition(ctx, ac, def, step, next, true)
}

func (e *Engine) nextStep(ctx context.Context, def *schema.WorkflowDefinition, step *schema.WorkflowStep, idx int, st *store.WorkflowState) (string, error) {
	if len(step.Transitions) == 0 {
		if idx+1 < len(def.Steps) {
			return def.Steps[idx+1].Name, nil
		}
		return "", nil
	}
	env := e.exprEnv(st, nil)
	for _, tr := range step.Transitions {
		if tr.When == "" {
			return tr.To, nil
		}
		ok, err := expressions.EvaluateBool(ctx, e.deps.Expr, tr.When, env)
		if err != nil {
			return "", err
		}
		if ok {
			return tr.To, nil
		}
	}
	return "", nil
}

// transition runs on_exit, moves to the target step and, when enter is set,
// runs the target's on_enter actions right away.
func (e *Engine) transition(ctx context.Context, ac *actions.ActionContext, def *schema.WorkflowDefinition, from *schema.WorkflowStep, to string, enter bool) (string, bool, error) {
	if target, _ := def.Step(to); target == nil {
		return "", false, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no step %q", def.Name, to)
	}
	var contexts []string
	if from != nil {
		text, ended := e.runActions(ctx, ac, from.OnExit)
		if text != "" {
			contexts = append(contexts, text)
		}
		if ended {
			return strings.Join(contexts, "\n\n"), true, nil
		}
	}

	prev := ac.State.Step
	ac.State.EnterStep(to)
	e.record(ctx, schema.EventWorkflowTransitioned, ac.SessionID, def.Name, map[string]any{"from": prev, "to": to})
	ac.Logger.Info("workflow step transition",
		slog.String("workflow", def.Name),
		slog.String("from", prev),
		slog.String("to", to),
	)

	if enter {
		text, ended := e.enterStep(ctx, ac, def)
		if text != "" {
			contexts = append(contexts, text)
		}
		if ended {
			return strings.Join(contexts, "\n\n"), true, nil
		}
	}
	return strings.Join(contexts, "\n\n"), false, nil
}

// RequestStepTransition moves an instance to toStep. Unforced, the current
// step's exit conditions must hold and toStep must be a declared transition
// target (any step when none are declared). The step counters and the
// context_injected flag are always reset, even for the current step; the new
// step's on_enter actions run on the next hook event.
func (e *Engine) RequestStepTransition(ctx context.Context, sessionID, workflow, toStep string, force bool) (*store.WorkflowState, error) {
	ctx = logging.WithWorkflow(logging.WithSessionID(ctx, sessionID), workflow)
	def, err := e.load(workflow)
	if err != nil {
		return nil, err
	}
	inst, err := e.deps.Store.GetInstance(ctx, sessionID, workflow)
	if err != nil {
		return nil, err
	}
	st := &inst.WorkflowState
	if target, _ := def.Step(toStep); target == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no step %q", workflow, toStep)
	}
	current, _ := def.Step(st.Step)

	if !force && current != nil {
		ok, err := e.conds.Evaluate(current.ExitConditions, st.Variables, current.ExitWhen)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "exit_when: %v", err).WithCause(err)
		}
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"exit conditions of step %q are not met", st.Step).
				WithDetails(map[string]any{"unmet": unmetMaps(current.ExitConditions, st.Variables)})
		}
		if len(current.Transitions) > 0 && !declaredTarget(current.Transitions, toStep) {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"step %q has no transition to %q", st.Step, toStep)
		}
	}

	sessionVars, err := e.deps.Store.GetSessionVariables(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ac := &actions.ActionContext{
		SessionID:        sessionID,
		State:            st,
		Definition:       def,
		SessionVariables: sessionVars,
		Logger:           logging.LogWith(ctx, e.deps.Logger),
	}
	if _, ended, err := e.transition(ctx, ac, def, current, toStep, false); err != nil || ended {
		return st, err
	}
	if err := e.deps.Store.SaveState(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Status reports every instance of the session.
func (e *Engine) Status(ctx context.Context, sessionID string) (*Status, error) {
	insts, err := e.deps.Store.ListInstances(ctx, sessionID, store.InstanceFilter{})
	if err != nil {
		return nil, err
	}
	sessionVars, err := e.deps.Store.GetSessionVariables(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := &Status{
		SessionID:        sessionID,
		Enabled:          []InstanceStatus{},
		Disabled:         []InstanceStatus{},
		SessionVariables: sessionVars,
	}
	for _, inst := range insts {
		is := InstanceStatus{
			Workflow:         inst.WorkflowName,
			Enabled:          inst.Enabled,
			Priority:         inst.Priority,
			Step:             inst.Step,
			StepEnteredAt:    inst.StepEnteredAt,
			StepActionCount:  inst.StepActionCount,
			TotalActionCount: inst.TotalActionCount,
			Variables:        inst.Variables,
			Artifacts:        inst.Artifacts,
		}
		if def, err := e.deps.Definitions.LoadWorkflow(inst.WorkflowName); err == nil && def != nil {
			if step, _ := def.Step(inst.Step); step != nil {
				is.UnmetConditions = unmetMaps(step.ExitConditions, inst.Variables)
				is.Transitions = step.Transitions
			}
		}
		if inst.Enabled {
			out.Enabled = append(out.Enabled, is)
		} else {
			out.Disabled = append(out.Disabled, is)
		}
	}
	return out, nil
}

// GrantApproval sets the flag that satisfies a user_approval condition.
func (e *Engine) GrantApproval(ctx context.Context, sessionID, workflow, approvalID string) error {
	if _, err := e.deps.Store.GetInstance(ctx, sessionID, workflow); err != nil {
		return err
	}
	_, err := e.deps.Store.MergeVariables(ctx, sessionID, workflow, map[string]any{
		conditions.ApprovalFlag(approvalID): true,
	})
	return err
}

// End terminates the workflow as end_workflow does.
func (e *Engine) End(ctx context.Context, sessionID, workflow string) error {
	def, err := e.load(workflow)
	if err != nil {
		return err
	}
	inst, err := e.deps.Store.GetInstance(ctx, sessionID, workflow)
	if err != nil {
		return err
	}
	sessionVars, err := e.deps.Store.GetSessionVariables(ctx, sessionID)
	if err != nil {
		return err
	}
	ac := &actions.ActionContext{
		SessionID:        sessionID,
		State:            &inst.WorkflowState,
		Definition:       def,
		SessionVariables: sessionVars,
		Logger:           logging.LogWith(ctx, e.deps.Logger),
	}
	return e.end(ctx, ac, "requested")
}

func (e *Engine) end(ctx context.Context, ac *actions.ActionContext, reason string) error {
	if _, err := e.deps.Actions.Execute(ctx, ac, schema.ActionSpec{Action: actions.KindEndWorkflow.String()}); err != nil {
		return err
	}
	e.record(ctx, schema.EventWorkflowEnded, ac.SessionID, ac.State.WorkflowName, map[string]any{
		"step":   ac.State.Step,
		"reason": reason,
	})
	return nil
}

// SetEnabled enables or disables an instance without touching its state.
func (e *Engine) SetEnabled(ctx context.Context, sessionID, workflow string, enabled bool) error {
	return e.deps.Store.SetInstanceEnabled(ctx, sessionID, workflow, enabled)
}

// exprEnv is the environment of transition whens and exit_condition.
func (e *Engine) exprEnv(st *store.WorkflowState, sessionVars map[string]any) map[string]any {
	env := make(map[string]any, len(st.Variables)+4)
	for k, v := range st.Variables {
		env[k] = v
	}
	env["variables"] = st.Variables
	env["session_variables"] = sessionVars
	env["step"] = st.Step
	env["step_action_count"] = st.StepActionCount
	env["total_action_count"] = st.TotalActionCount
	return env
}

func (e *Engine) triggerEnv(ac *actions.ActionContext, ev HookEvent) map[string]any {
	tool := map[string]any{}
	if ev.ToolName != "" {
		tool["name"] = ev.ToolName
		tool["input"] = ev.ToolInput
	}
	return map[string]any{
		"event":             ev.Map(),
		"tool":              tool,
		"variables":         ac.State.Variables,
		"session_variables": ac.SessionVariables,
		"step":              ac.State.Step,
	}
}

// record appends a workflow event and publishes it. Failures are logged.
func (e *Engine) record(ctx context.Context, eventType, sessionID, workflow string, payload map[string]any) {
	payload["workflow"] = workflow
	raw, _ := json.Marshal(payload)
	if err := e.deps.Store.AppendEvent(ctx, &store.Event{SessionID: sessionID, Type: eventType, Payload: raw}); err != nil {
		logging.LogWith(ctx, e.deps.Logger).Debug("failed to append event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
	if e.deps.Hub != nil {
		_ = e.deps.Hub.Publish(ctx, streaming.StreamEvent{SessionID: sessionID, EventType: eventType, Payload: payload})
	}
}

func unmetMaps(conds []schema.Condition, variables map[string]any) []map[string]any {
	unmet := conditions.Unmet(conds, variables)
	if len(unmet) == 0 {
		return nil
	}
	out := make([]map[string]any, len(unmet))
	for i, c := range unmet {
		m := c.Map()
		if c.IsApproval() {
			m["approval_id"] = conditions.ApprovalID(c)
		}
		out[i] = m
	}
	return out
}

func declaredTarget(transitions []schema.Transition, to string) bool {
	for _, tr := range transitions {
		if tr.To == to {
			return true
		}
	}
	return false
}
