package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/rendis/stepgate/internal/pipeline"
	"github.com/rendis/stepgate/pkg/schema"
)

// endWorkflow strips the workflow's declared variables, saves the state, hands
// the remaining lifecycle variables to the session and deletes the state.
func (e *Executor) endWorkflow(ctx context.Context, ac *ActionContext, _ map[string]any) (*Result, error) {
	if e.deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeActionUnavailable, "end_workflow: no state store")
	}
	st := ac.State
	if ac.Definition != nil {
		for name := range ac.Definition.Variables {
			delete(st.Variables, name)
		}
	}

	if err := e.deps.Store.SaveState(ctx, st); err != nil {
		return nil, err
	}

	carried := make(map[string]any)
	for k, v := range st.Variables {
		if strings.HasPrefix(k, "_") {
			continue
		}
		carried[k] = v
	}
	if len(carried) > 0 {
		merged, err := e.deps.Store.MergeSessionVariables(ctx, ac.SessionID, carried)
		if err != nil {
			return nil, err
		}
		ac.SessionVariables = merged
	}

	if err := e.deps.Store.DeleteState(ctx, ac.SessionID, st.WorkflowName); err != nil {
		return nil, err
	}
	ac.Logger.Info("workflow ended",
		slog.String("session_id", ac.SessionID),
		slog.String("workflow", st.WorkflowName),
		slog.Int("carried_variables", len(carried)),
	)
	return &Result{Ended: true, Data: map[string]any{"workflow": st.WorkflowName, "session_variables": carried}}, nil
}

// runPipeline runs a pipeline on behalf of the session. With await (the
// default) it blocks until the pipeline completes or pauses on an approval,
// recording the pause under _pending_pipeline.
func (e *Executor) runPipeline(ctx context.Context, ac *ActionContext, params map[string]any) (*Result, error) {
	if e.deps.Pipelines == nil {
		return nil, schema.NewError(schema.ErrCodeActionUnavailable, "run_pipeline: no pipeline executor")
	}
	name := stringParam(params, "name", stringParam(params, "pipeline", ""))
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "run_pipeline: name is required")
	}
	inputs := mapParam(params, "inputs")
	opts := pipeline.RunOptions{SessionID: ac.SessionID, ProjectID: stringParam(params, "project_id", "")}

	if !boolParam(params, "await_completion", true) {
		exec, err := e.deps.Pipelines.Start(ctx, name, inputs, opts)
		if ar, ok := schema.AsApprovalRequired(err); ok {
			return &Result{Data: pausedData(name, ar)}, nil
		}
		if err != nil {
			return nil, err
		}
		return &Result{Data: map[string]any{
			"status":       string(exec.Status),
			"execution_id": exec.ID,
			"pipeline":     name,
		}}, nil
	}

	exec, err := e.deps.Pipelines.Run(ctx, name, inputs, opts)
	if ar, ok := schema.AsApprovalRequired(err); ok {
		ac.State.Variables[VarPendingPipeline] = map[string]any{
			"execution_id": ar.ExecutionID,
			"step_id":      ar.StepID,
			"token":        ar.Token,
			"pipeline":     name,
		}
		return &Result{Data: pausedData(name, ar)}, nil
	}
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"status":       string(exec.Status),
		"execution_id": exec.ID,
		"pipeline":     name,
	}
	if len(exec.Outputs) > 0 {
		var outputs any
		if err := json.Unmarshal(exec.Outputs, &outputs); err == nil {
			data["outputs"] = outputs
		}
	}
	if as := stringParam(params, "as", ""); as != "" {
		ac.State.Variables[as] = data["outputs"]
	}
	return &Result{Data: data}, nil
}

func pausedData(name string, ar *schema.ApprovalRequired) map[string]any {
	return map[string]any{
		"status":       string(schema.StatusWaitingApproval),
		"execution_id": ar.ExecutionID,
		"step_id":      ar.StepID,
		"token":        ar.Token,
		"message":      ar.Message,
		"pipeline":     name,
	}
}

// callMCPTool calls a downstream tool. With "as" the structured result (or
// the text) is stored in a workflow variable.
func (e *Executor) callMCPTool(ctx context.Context, ac *ActionContext, params map[string]any) (*Result, error) {
	if e.deps.Tools == nil {
		return nil, schema.NewError(schema.ErrCodeActionUnavailable, "call_mcp_tool: no mcp proxy")
	}
	server := stringParam(params, "server", "")
	tool := stringParam(params, "tool", "")
	if server == "" || tool == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "call_mcp_tool: server and tool are required")
	}

	res, err := e.deps.Tools.CallTool(ctx, server, tool, mapParam(params, "arguments"))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "call_mcp_tool %s/%s: %v", server, tool, err).WithCause(err)
	}
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "call_mcp_tool %s/%s: %s", server, tool, res.Text)
	}
	if as := stringParam(params, "as", ""); as != "" {
		if res.Data != nil {
			ac.State.Variables[as] = res.Data
		} else {
			ac.State.Variables[as] = res.Text
		}
	}
	return &Result{Data: res.Map()}, nil
}
