package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stepgate/pkg/schema"
)

// WorkflowState is the step-machine state of one workflow on one session.
type WorkflowState struct {
	SessionID         string            `json:"session_id"`
	WorkflowName      string            `json:"workflow_name"`
	Step              string            `json:"step"`
	StepEnteredAt     time.Time         `json:"step_entered_at"`
	StepActionCount   int               `json:"step_action_count"`
	TotalActionCount  int               `json:"total_action_count"`
	Artifacts         map[string]string `json:"artifacts"`
	Observations      []string          `json:"observations"`
	ReflectionPending bool              `json:"reflection_pending"`
	ContextInjected   bool              `json:"context_injected"`
	Variables         map[string]any    `json:"variables"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// NewWorkflowState returns a fresh state positioned at step.
func NewWorkflowState(sessionID, workflow, step string) *WorkflowState {
	return &WorkflowState{
		SessionID:     sessionID,
		WorkflowName:  workflow,
		Step:          step,
		StepEnteredAt: time.Now().UTC(),
		Artifacts:     map[string]string{},
		Variables:     map[string]any{},
	}
}

// EnterStep moves the state to step and resets the per-step counters.
func (s *WorkflowState) EnterStep(step string) {
	s.Step = step
	s.StepEnteredAt = time.Now().UTC()
	s.StepActionCount = 0
	s.ContextInjected = false
}

// WorkflowInstance is one enabled or disabled activation of a workflow on a session.
// It shares its row with the WorkflowState.
type WorkflowInstance struct {
	ID        string    `json:"id"`
	Enabled   bool      `json:"enabled"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	WorkflowState
}

// CurrentStep is the instance's step.
func (i *WorkflowInstance) CurrentStep() string { return i.Step }

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	EnabledOnly bool `json:"enabled_only,omitempty"`
}

// PipelineExecution is one persisted run of a pipeline.
type PipelineExecution struct {
	ID             string                 `json:"id"`
	PipelineName   string                 `json:"pipeline_name"`
	ProjectID      string                 `json:"project_id,omitempty"`
	Status         schema.ExecutionStatus `json:"status"`
	Inputs         map[string]any         `json:"inputs"`
	Outputs        json.RawMessage        `json:"outputs,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ResumeToken    string                 `json:"resume_token,omitempty"`
	SessionID      string                 `json:"session_id,omitempty"`
	DefinitionJSON json.RawMessage        `json:"-"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// StepExecution is the persisted record of one pipeline step.
type StepExecution struct {
	ID                string                 `json:"id"`
	ExecutionID       string                 `json:"execution_id"`
	StepID            string                 `json:"step_id"`
	Status            schema.ExecutionStatus `json:"status"`
	Output            json.RawMessage        `json:"output,omitempty"`
	Error             string                 `json:"error,omitempty"`
	ApprovalToken     string                 `json:"-"`
	ApprovalExpiresAt *time.Time             `json:"approval_expires_at,omitempty"`
	ApprovedBy        string                 `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time             `json:"approved_at,omitempty"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// Session is an agent session known to the daemon.
type Session struct {
	ID              string    `json:"id"`
	ExternalID      string    `json:"external_id,omitempty"`
	ProjectID       string    `json:"project_id,omitempty"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
	Status          string    `json:"status"`
	Title           string    `json:"title,omitempty"`
	CLI             string    `json:"cli,omitempty"`
	Cwd             string    `json:"cwd,omitempty"`
	TerminalName    string    `json:"terminal_name,omitempty"`
	TranscriptPath  string    `json:"transcript_path,omitempty"`
	SummaryMarkdown string    `json:"summary_markdown,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PipelineSchedule is a cron trigger for a pipeline.
type PipelineSchedule struct {
	PipelineName   string         `json:"pipeline_name"`
	CronExpression string         `json:"cron_expression"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Enabled        bool           `json:"enabled"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Event is an append-only audit record.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// streamID is the sequence scope of an event.
func (e *Event) streamID() string {
	if e.ExecutionID != "" {
		return "exec:" + e.ExecutionID
	}
	return "session:" + e.SessionID
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	PipelineName string                  `json:"pipeline_name,omitempty"`
	Status       *schema.ExecutionStatus `json:"status,omitempty"`
	ProjectID    string                  `json:"project_id,omitempty"`
	Limit        int                     `json:"limit,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution. A non-nil empty
// ResumeToken clears the token.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Outputs     json.RawMessage         `json:"outputs,omitempty"`
	Error       *string                 `json:"error,omitempty"`
	ResumeToken *string                 `json:"resume_token,omitempty"`
	SessionID   *string                 `json:"session_id,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// StepExecutionUpdate specifies mutable fields of a step execution.
type StepExecutionUpdate struct {
	Status            *schema.ExecutionStatus `json:"status,omitempty"`
	Output            json.RawMessage         `json:"output,omitempty"`
	Error             *string                 `json:"error,omitempty"`
	ApprovalToken     *string                 `json:"approval_token,omitempty"`
	ApprovalExpiresAt *time.Time              `json:"approval_expires_at,omitempty"`
	ApprovedBy        *string                 `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time              `json:"approved_at,omitempty"`
	StartedAt         *time.Time              `json:"started_at,omitempty"`
	CompletedAt       *time.Time              `json:"completed_at,omitempty"`
}

// SessionUpdate specifies mutable fields of a session.
type SessionUpdate struct {
	Status          *string `json:"status,omitempty"`
	Title           *string `json:"title,omitempty"`
	TerminalName    *string `json:"terminal_name,omitempty"`
	TranscriptPath  *string `json:"transcript_path,omitempty"`
	SummaryMarkdown *string `json:"summary_markdown,omitempty"`
}

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	ProjectID string `json:"project_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Exclude   string `json:"exclude,omitempty"` // session id to skip
	Limit     int    `json:"limit,omitempty"`
}

// ScheduleRunUpdate records the outcome of a scheduled run.
type ScheduleRunUpdate struct {
	LastRunAt     time.Time  `json:"last_run_at"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	EventType   string     `json:"event_type,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}
