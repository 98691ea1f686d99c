package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepgate/internal/pipeline"
	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/pkg/schema"
)

// handleListPipelines lists the loaded pipeline definitions.
func (s *StepgateServer) handleListPipelines(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defs := s.deps.Pipelines.ListPipelines()
	out := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		steps := make([]string, 0, len(def.Steps))
		for _, st := range def.Steps {
			steps = append(steps, st.ID)
		}
		entry := map[string]any{
			"name":  def.Name,
			"steps": steps,
		}
		if def.Description != "" {
			entry["description"] = def.Description
		}
		if len(def.Inputs) > 0 {
			entry["inputs"] = def.Inputs
		}
		if def.ExposeAsTool {
			entry["tool"] = pipelineToolPrefix + def.Name
		}
		out = append(out, entry)
	}
	return success(map[string]any{"pipelines": out})
}

// handleRunPipeline runs a pipeline synchronously.
func (s *StepgateServer) handleRunPipeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return failure("name is required")
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)
	opts := pipeline.RunOptions{
		ProjectID: req.GetString("project_id", ""),
		SessionID: req.GetString("session_id", ""),
	}
	return s.runPipeline(ctx, name, inputs, opts)
}

func (s *StepgateServer) runPipeline(ctx context.Context, name string, inputs map[string]any, opts pipeline.RunOptions) (*mcp.CallToolResult, error) {
	if opts.SessionID != "" && s.deps.Sessions != nil {
		if sess, err := s.deps.Sessions.Resolve(ctx, opts.SessionID); err == nil {
			opts.SessionID = sess.ID
		}
	}
	exec, err := s.deps.Pipelines.Run(ctx, name, inputs, opts)
	return s.outcome(ctx, exec, err)
}

// outcome converts a run or resume result into the tool envelope.
func (s *StepgateServer) outcome(ctx context.Context, exec *store.PipelineExecution, err error) (*mcp.CallToolResult, error) {
	if ar, ok := schema.AsApprovalRequired(err); ok {
		s.captureSession(ctx, ar.ExecutionID)
		resp := map[string]any{
			"status":       string(schema.StatusWaitingApproval),
			"execution_id": ar.ExecutionID,
			"step_id":      ar.StepID,
			"token":        ar.Token,
			"message":      ar.Message,
		}
		if exec != nil {
			resp["pipeline_name"] = exec.PipelineName
		}
		return success(resp)
	}
	if err != nil {
		fields := errorFields(err)
		if exec != nil {
			fields["execution_id"] = exec.ID
			fields["status"] = string(exec.Status)
			s.logger.Warn("pipeline run failed",
				slog.String("execution_id", exec.ID),
				slog.String("error", err.Error()),
			)
		}
		return envelope(false, fields)
	}

	s.clients.Forget(exec.ID)
	resp := map[string]any{
		"status":        string(exec.Status),
		"execution_id":  exec.ID,
		"pipeline_name": exec.PipelineName,
	}
	if len(exec.Outputs) > 0 {
		resp["outputs"] = exec.Outputs
	}
	return success(resp)
}

// handleApprove approves a waiting step and resumes the execution.
func (s *StepgateServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("token")
	if err != nil {
		return failure("token is required")
	}
	approvedBy := req.GetString("approved_by", "mcp")

	exec, err := s.deps.Pipelines.ApproveStep(ctx, token, approvedBy)
	if err != nil {
		return envelope(false, errorFields(err))
	}
	resumed, err := s.deps.Pipelines.Resume(ctx, exec.ID)
	if resumed == nil {
		resumed = exec
	}
	return s.outcome(ctx, resumed, err)
}

// handleReject rejects a waiting step, cancelling the execution.
func (s *StepgateServer) handleReject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("token")
	if err != nil {
		return failure("token is required")
	}
	rejectedBy := req.GetString("rejected_by", "mcp")

	exec, err := s.deps.Pipelines.RejectStep(ctx, token, rejectedBy)
	if err != nil {
		return envelope(false, errorFields(err))
	}
	s.clients.Forget(exec.ID)
	return success(map[string]any{
		"execution_id": exec.ID,
		"status":       string(exec.Status),
	})
}

// handlePipelineStatus returns an execution with its step records.
func (s *StepgateServer) handlePipelineStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return failure("execution_id is required")
	}
	exec, err := s.deps.Executions.GetExecution(ctx, id)
	if err != nil {
		return envelope(false, errorFields(err))
	}
	steps, err := s.deps.Executions.GetStepsForExecution(ctx, id)
	if err != nil {
		return envelope(false, errorFields(err))
	}
	if steps == nil {
		steps = []*store.StepExecution{}
	}
	return success(map[string]any{
		"execution": exec,
		"steps":     steps,
	})
}

// --- Workflow tools ---

func (s *StepgateServer) handleWorkflowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, res := s.requireSession(ctx, req)
	if res != nil {
		return res, nil
	}
	status, err := s.deps.Workflows.Status(ctx, sessionID)
	if err != nil {
		return envelope(false, errorFields(err))
	}
	return success(map[string]any{"workflows": status})
}

func (s *StepgateServer) handleStepTransition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wf, err := req.RequireString("workflow")
	if err != nil {
		return failure("workflow is required")
	}
	toStep, err := req.RequireString("to_step")
	if err != nil {
		return failure("to_step is required")
	}
	sessionID, res := s.requireSession(ctx, req)
	if res != nil {
		return res, nil
	}

	state, err := s.deps.Workflows.RequestStepTransition(ctx, sessionID, wf, toStep, req.GetBool("force", false))
	if err != nil {
		return envelope(false, errorFields(err))
	}
	return success(map[string]any{
		"session_id": sessionID,
		"workflow":   wf,
		"step":       state.Step,
		"state":      state,
	})
}

func (s *StepgateServer) handleActivateWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wf, err := req.RequireString("workflow")
	if err != nil {
		return failure("workflow is required")
	}
	sessionID, res := s.requireSession(ctx, req)
	if res != nil {
		return res, nil
	}

	vars := mcp.ParseStringMap(req, "variables", nil)
	priority := req.GetInt("priority", 0)
	out, err := s.deps.Workflows.ActivateWorkflow(ctx, sessionID, wf, vars, priority)
	if err != nil {
		return envelope(false, errorFields(err))
	}
	return success(map[string]any{
		"session_id": sessionID,
		"workflow":   wf,
		"variables":  out,
	})
}

// requireSession resolves the session_id argument. A non-nil result is the
// failure to return to the caller.
func (s *StepgateServer) requireSession(ctx context.Context, req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	if s.deps.Workflows == nil || s.deps.Sessions == nil {
		res, _ := failure("workflow engine is not running")
		return "", res
	}
	ref, err := req.RequireString("session_id")
	if err != nil {
		res, _ := failure("session_id is required")
		return "", res
	}
	sess, err := s.deps.Sessions.Resolve(ctx, ref)
	if err != nil {
		res, _ := envelope(false, errorFields(err))
		return "", res
	}
	return sess.ID, nil
}

// --- Internal helpers ---

// captureSession maps the execution to the calling client for notifications.
func (s *StepgateServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.clients.Register(executionID, session.SessionID())
	}
}

// errorFields describes err for a failure envelope.
func errorFields(err error) map[string]any {
	fields := map[string]any{"error": err.Error()}
	var se *schema.StepgateError
	if errors.As(err, &se) {
		fields["code"] = se.Code
		if se.StepID != "" {
			fields["step_id"] = se.StepID
		}
		if len(se.Details) > 0 {
			fields["details"] = se.Details
		}
	}
	return fields
}

func success(fields map[string]any) (*mcp.CallToolResult, error) {
	return envelope(true, fields)
}

func failure(msg string) (*mcp.CallToolResult, error) {
	return envelope(false, map[string]any{"error": msg})
}

// envelope renders {"success": ok, ...fields} as a JSON text result.
// Failures are flagged with IsError so clients surface them.
func envelope(ok bool, fields map[string]any) (*mcp.CallToolResult, error) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["success"] = ok
	data, err := json.Marshal(body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())), nil
	}
	res := mcp.NewToolResultText(string(data))
	res.IsError = !ok
	return res, nil
}
