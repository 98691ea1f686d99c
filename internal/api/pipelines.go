package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rendis/stepgate/internal/pipeline"
	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/pkg/schema"
)

const defaultListLimit = 50

// pipelineSummary is the listing form of a definition.
type pipelineSummary struct {
	Name         string                      `json:"name"`
	Description  string                      `json:"description,omitempty"`
	Inputs       map[string]schema.InputSpec `json:"inputs,omitempty"`
	Steps        []string                    `json:"steps"`
	ExposeAsTool bool                        `json:"expose_as_tool,omitempty"`
	Schedule     string                      `json:"schedule,omitempty"`
}

func summarize(def *schema.PipelineDefinition) pipelineSummary {
	steps := make([]string, 0, len(def.Steps))
	for _, st := range def.Steps {
		steps = append(steps, st.ID)
	}
	return pipelineSummary{
		Name:         def.Name,
		Description:  def.Description,
		Inputs:       def.Inputs,
		Steps:        steps,
		ExposeAsTool: def.ExposeAsTool,
		Schedule:     def.Schedule,
	}
}

func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	defs := s.deps.Pipelines.ListPipelines()
	out := make([]pipelineSummary, 0, len(defs))
	for _, def := range defs {
		out = append(out, summarize(def))
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": out})
}

// handleRunPipeline runs a pipeline synchronously.
func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string         `json:"name"`
		Inputs    map[string]any `json:"inputs"`
		ProjectID string         `json:"project_id"`
		SessionID string         `json:"session_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	exec, err := s.deps.Pipelines.Run(r.Context(), body.Name, body.Inputs, pipeline.RunOptions{
		ProjectID: body.ProjectID,
		SessionID: body.SessionID,
	})
	s.writeOutcome(w, exec, err)
}

// writeOutcome answers a run or resume: 200 with outputs when it completed,
// 202 when it paused on an approval, an error status otherwise.
func (s *Server) writeOutcome(w http.ResponseWriter, exec *store.PipelineExecution, err error) {
	if ar, ok := schema.AsApprovalRequired(err); ok {
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
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	if err != nil {
		body := errorBody(err)
		if exec != nil {
			body["execution_id"] = exec.ID
			body["status"] = string(exec.Status)
			s.deps.Logger.Warn("pipeline run failed",
				slog.String("execution_id", exec.ID),
				slog.String("error", err.Error()),
			)
		}
		writeJSON(w, statusFor(err), body)
		return
	}

	resp := map[string]any{
		"status":        string(exec.Status),
		"execution_id":  exec.ID,
		"pipeline_name": exec.PipelineName,
		"outputs":       rawOrNil(exec.Outputs),
	}
	writeJSON(w, http.StatusOK, resp)
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// handleGetExecution returns an execution with its steps.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("execution_id")

	exec, err := s.deps.Executions.GetExecution(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	steps, err := s.deps.Executions.GetStepsForExecution(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if steps == nil {
		steps = []*store.StepExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution": exec,
		"steps":     steps,
	})
}

// handleApprove approves a gate and resumes the execution.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body struct {
		ApprovedBy string `json:"approved_by"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.ApprovedBy == "" {
		body.ApprovedBy = "api"
	}

	exec, err := s.deps.Pipelines.ApproveStep(ctx, r.PathValue("token"), body.ApprovedBy)
	if err != nil {
		writeErr(w, err)
		return
	}
	resumed, err := s.deps.Pipelines.Resume(ctx, exec.ID)
	if resumed == nil {
		resumed = exec
	}
	s.writeOutcome(w, resumed, err)
}

// handleReject rejects a gate, cancelling the execution.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RejectedBy string `json:"rejected_by"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.RejectedBy == "" {
		body.RejectedBy = "api"
	}

	exec, err := s.deps.Pipelines.RejectStep(r.Context(), r.PathValue("token"), body.RejectedBy)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleListExecutions lists executions, newest first.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		PipelineName: q.Get("pipeline"),
		ProjectID:    q.Get("project_id"),
		Limit:        queryInt(r, "limit", defaultListLimit),
	}
	if st := q.Get("status"); st != "" {
		status := schema.ExecutionStatus(st)
		filter.Status = &status
	}

	execs, err := s.deps.Executions.ListExecutions(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if execs == nil {
		execs = []*store.PipelineExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}
