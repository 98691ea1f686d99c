package api

import (
	"fmt"
	"net/http"

	"github.com/rendis/stepgate/internal/diagram"
	"github.com/rendis/stepgate/pkg/schema"
)

// handleExecutionDiagram renders an execution's pipeline with step statuses.
func (s *Server) handleExecutionDiagram(w http.ResponseWriter, r *http.Request) {
	if s.deps.Definitions == nil {
		writeError(w, http.StatusServiceUnavailable, "definitions are not configured")
		return
	}
	ctx := r.Context()
	id := r.PathValue("execution_id")

	exec, err := s.deps.Executions.GetExecution(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	def, err := s.deps.Definitions.LoadPipeline(exec.PipelineName)
	if err != nil {
		writeErr(w, err)
		return
	}
	if def == nil {
		writeErr(w, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline %q is no longer defined", exec.PipelineName))
		return
	}
	steps, err := s.deps.Executions.GetStepsForExecution(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": exec.ID,
		"format":       "mermaid",
		"diagram":      diagram.RenderMermaid(diagram.FromPipeline(def, steps)),
	})
}

// handleWorkflowDiagram renders a workflow's transition graph. With ?session=
// the session's current step is highlighted.
func (s *Server) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	if s.deps.Definitions == nil {
		writeError(w, http.StatusServiceUnavailable, "definitions are not configured")
		return
	}
	name := r.PathValue("name")
	def, err := s.deps.Definitions.LoadWorkflow(name)
	if err != nil {
		writeErr(w, err)
		return
	}
	if def == nil {
		writeErr(w, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name))
		return
	}

	var current string
	if ref := r.URL.Query().Get("session"); ref != "" {
		if s.deps.Workflows == nil || s.deps.Sessions == nil {
			writeError(w, http.StatusServiceUnavailable, "workflow engine is not running")
			return
		}
		sess, err := s.deps.Sessions.Resolve(r.Context(), ref)
		if err != nil {
			writeErr(w, err)
			return
		}
		status, err := s.deps.Workflows.Status(r.Context(), sess.ID)
		if err != nil {
			writeErr(w, fmt.Errorf("workflow status: %w", err))
			return
		}
		for _, inst := range append(status.Enabled, status.Disabled...) {
			if inst.Workflow == name {
				current = inst.Step
				break
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workflow": name,
		"format":   "mermaid",
		"diagram":  diagram.RenderMermaid(diagram.FromWorkflow(def, current)),
	})
}
