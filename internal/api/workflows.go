package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/internal/workflow"
	"github.com/rendis/stepgate/pkg/schema"
)

// hookPayload is what agent CLI hooks post. session_id is the agent's own id.
type hookPayload struct {
	SessionID      string         `json:"session_id"`
	TranscriptPath string         `json:"transcript_path"`
	Cwd            string         `json:"cwd"`
	CLI            string         `json:"cli"`
	ProjectID      string         `json:"project_id"`
	ToolName       string         `json:"tool_name"`
	ToolInput      map[string]any `json:"tool_input"`
	ToolResponse   any            `json:"tool_response"`
	Prompt         string         `json:"prompt"`
}

// handleHook evaluates an agent hook. It always answers 200 with a decision
// unless the request itself is malformed: a daemon fault must not block the agent.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	hook, err := schema.ParseHookType(r.PathValue("event"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var body hookPayload
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if s.deps.Workflows == nil || s.deps.Sessions == nil {
		writeJSON(w, http.StatusOK, workflow.Allow())
		return
	}

	ctx := r.Context()
	sess, err := s.deps.Sessions.Register(ctx, &store.Session{
		ExternalID:     body.SessionID,
		ProjectID:      body.ProjectID,
		CLI:            body.CLI,
		Cwd:            body.Cwd,
		TranscriptPath: body.TranscriptPath,
	})
	if err != nil {
		s.deps.Logger.Warn("hook session registration failed, allowing",
			slog.String("external_id", body.SessionID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusOK, workflow.Allow())
		return
	}

	decision := s.deps.Workflows.DispatchContext(ctx, workflow.HookEvent{
		Type:           hook,
		SessionID:      sess.ID,
		ToolName:       body.ToolName,
		ToolInput:      body.ToolInput,
		ToolOutput:     body.ToolResponse,
		Prompt:         body.Prompt,
		Cwd:            body.Cwd,
		TranscriptPath: body.TranscriptPath,
	})
	writeJSON(w, http.StatusOK, decision)
}

// resolveSession maps the {id} path value to an internal session id.
func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.deps.Workflows == nil || s.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "workflow engine is not running")
		return "", false
	}
	sess, err := s.deps.Sessions.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return "", false
	}
	return sess.ID, true
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.resolveSession(w, r)
	if !ok {
		return
	}
	status, err := s.deps.Workflows.Status(r.Context(), sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Variables map[string]any `json:"variables"`
		Priority  int            `json:"priority"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	sessionID, ok := s.resolveSession(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	vars, err := s.deps.Workflows.ActivateWorkflow(r.Context(), sessionID, name, body.Variables, body.Priority)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"workflow":   name,
		"variables":  vars,
	})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToStep string `json:"to_step"`
		Force  bool   `json:"force"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.ToStep == "" {
		writeError(w, http.StatusBadRequest, "to_step is required")
		return
	}
	sessionID, ok := s.resolveSession(w, r)
	if !ok {
		return
	}
	state, err := s.deps.Workflows.RequestStepTransition(r.Context(), sessionID, r.PathValue("name"), body.ToStep, body.Force)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGrantApproval(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.resolveSession(w, r)
	if !ok {
		return
	}
	name, approvalID := r.PathValue("name"), r.PathValue("approval_id")
	if err := s.deps.Workflows.GrantApproval(r.Context(), sessionID, name, approvalID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  sessionID,
		"workflow":    name,
		"approval_id": approvalID,
		"granted":     true,
	})
}
