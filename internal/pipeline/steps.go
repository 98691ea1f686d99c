package pipeline

import (
	"context"
	"time"

	"github.com/rendis/stepgate/internal/sessions"
	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/pkg/schema"
)

// dispatch renders and runs one step body. A collaborator that is not configured
// produces {"error": reason} instead of failing the step.
func (e *Executor) dispatch(ctx context.Context, exec *store.PipelineExecution, step schema.PipelineStep, data map[string]any) (any, error) {
	switch k := step.Kind.(type) {
	case schema.StepExec:
		return e.runExec(ctx, k, data)
	case schema.StepMCP:
		return e.runMCP(ctx, k, data)
	case schema.StepPrompt:
		return e.runPrompt(ctx, k, data)
	case schema.StepSpawnSession:
		return e.runSpawn(ctx, exec, k, data)
	case schema.StepActivateWorkflow:
		return e.runActivate(ctx, exec, k, data)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has no runnable kind", step.ID).WithStep(step.ID)
	}
}

func unavailable(reason string) map[string]any {
	return map[string]any{"error": reason}
}

func (e *Executor) runExec(ctx context.Context, k schema.StepExec, data map[string]any) (any, error) {
	command, err := e.deps.Renderer.RenderString(ctx, k.Command, data)
	if err != nil {
		return nil, err
	}
	argv, err := SplitCommand(command)
	if err != nil {
		return nil, err
	}
	cwd, err := e.deps.Renderer.RenderString(ctx, k.Cwd, data)
	if err != nil {
		return nil, err
	}
	env, err := e.deps.Renderer.RenderStringMap(ctx, k.Env, data)
	if err != nil {
		return nil, err
	}
	timeout := e.cfg.ExecTimeout
	if k.Timeout != "" {
		d, err := time.ParseDuration(k.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "exec: invalid timeout %q", k.Timeout).WithCause(err)
		}
		timeout = d
	}
	return runCommand(ctx, commandSpec{
		Argv:    argv,
		Cwd:     cwd,
		Env:     env,
		Timeout: timeout,
		MaxOut:  e.cfg.MaxOutputSize,
	}), nil
}

func (e *Executor) runMCP(ctx context.Context, k schema.StepMCP, data map[string]any) (any, error) {
	if e.deps.Tools == nil {
		return unavailable("mcp proxy is not configured"), nil
	}
	args, err := e.deps.Renderer.RenderMap(ctx, k.Arguments, data)
	if err != nil {
		return nil, err
	}
	res, err := e.deps.Tools.CallTool(ctx, k.Server, k.Tool, args)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "mcp %s/%s reported an error: %s", k.Server, k.Tool, res.Text).
			WithDetails(res.Map())
	}
	return res.Map(), nil
}

func (e *Executor) runPrompt(ctx context.Context, k schema.StepPrompt, data map[string]any) (any, error) {
	provider := e.deps.LLM.DefaultProvider()
	if provider == nil {
		return unavailable("no llm provider configured"), nil
	}
	prompt, err := e.deps.Renderer.RenderString(ctx, k.Prompt, data)
	if err != nil {
		return nil, err
	}
	system, err := e.deps.Renderer.RenderString(ctx, k.System, data)
	if err != nil {
		return nil, err
	}
	text, err := provider.GenerateText(ctx, prompt, system)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "prompt: %s", err.Error()).WithCause(err)
	}
	return map[string]any{"text": text, "provider": provider.Name()}, nil
}

func (e *Executor) runSpawn(ctx context.Context, exec *store.PipelineExecution, k schema.StepSpawnSession, data map[string]any) (any, error) {
	if e.deps.Sessions == nil || e.deps.Spawner == nil {
		return unavailable("session spawning is not configured"), nil
	}
	prompt, err := e.deps.Renderer.RenderString(ctx, k.Prompt, data)
	if err != nil {
		return nil, err
	}
	cwd, err := e.deps.Renderer.RenderString(ctx, k.Cwd, data)
	if err != nil {
		return nil, err
	}
	title, err := e.deps.Renderer.RenderString(ctx, k.Title, data)
	if err != nil {
		return nil, err
	}
	vars, err := e.deps.Renderer.RenderMap(ctx, k.Variables, data)
	if err != nil {
		return nil, err
	}

	sess, err := e.deps.Sessions.Register(ctx, &store.Session{
		ProjectID:       exec.ProjectID,
		ParentSessionID: exec.SessionID,
		Status:          schema.SessionActive,
		Title:           title,
		CLI:             k.CLI,
		Cwd:             cwd,
	})
	if err != nil {
		return nil, err
	}
	res, err := e.deps.Spawner.Spawn(ctx, sessions.SpawnRequest{
		SessionID: sess.ID,
		CLI:       k.CLI,
		Prompt:    prompt,
		Cwd:       cwd,
		Mode:      k.Mode,
		Title:     title,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "spawn session: %s", err.Error()).WithCause(err)
	}
	if res.TerminalSession != "" {
		if err := e.deps.Sessions.SetTerminal(ctx, sess.ID, res.TerminalSession); err != nil {
			return nil, err
		}
	}

	out := map[string]any{
		"session_id":       sess.ID,
		"terminal_session": res.TerminalSession,
	}
	if res.PID > 0 {
		out["pid"] = res.PID
	}
	if k.Workflow != "" {
		if e.deps.Workflows == nil {
			out["workflow_error"] = "workflow engine is not configured"
			return out, nil
		}
		if _, err := e.deps.Workflows.ActivateWorkflow(ctx, sess.ID, k.Workflow, vars, 0); err != nil {
			return nil, err
		}
		out["workflow"] = k.Workflow
	}
	return out, nil
}

func (e *Executor) runActivate(ctx context.Context, exec *store.PipelineExecution, k schema.StepActivateWorkflow, data map[string]any) (any, error) {
	if e.deps.Workflows == nil {
		return unavailable("workflow engine is not configured"), nil
	}
	ref, err := e.deps.Renderer.RenderString(ctx, k.SessionID, data)
	if err != nil {
		return nil, err
	}
	if ref == "" {
		ref = exec.SessionID
	}
	if ref == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "activate_workflow: no session_id and the execution has no session")
	}
	sessionID := ref
	if e.deps.Sessions != nil {
		sess, err := e.deps.Sessions.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		sessionID = sess.ID
	}
	vars, err := e.deps.Renderer.RenderMap(ctx, k.Variables, data)
	if err != nil {
		return nil, err
	}
	state, err := e.deps.Workflows.ActivateWorkflow(ctx, sessionID, k.Workflow, vars, k.Priority)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": sessionID,
		"workflow":   k.Workflow,
		"variables":  state,
	}, nil
}
