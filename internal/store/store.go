package store

import (
	"context"
	"time"
)

// StateStore persists workflow state, workflow instances and session variables.
// Instances and states share one row per (session, workflow); session variables
// are a separate key space that instance deletion never touches.
type StateStore interface {
	GetState(ctx context.Context, sessionID, workflow string) (*WorkflowState, error)
	SaveState(ctx context.Context, state *WorkflowState) error
	DeleteState(ctx context.Context, sessionID, workflow string) error
	ListStates(ctx context.Context, sessionID string) ([]*WorkflowState, error)

	GetInstance(ctx context.Context, sessionID, workflow string) (*WorkflowInstance, error)
	SaveInstance(ctx context.Context, inst *WorkflowInstance) error
	ListInstances(ctx context.Context, sessionID string, filter InstanceFilter) ([]*WorkflowInstance, error)
	SetInstanceEnabled(ctx context.Context, sessionID, workflow string, enabled bool) error
	DeleteInstance(ctx context.Context, sessionID, workflow string) error

	// MergeVariables applies updates field by field in one transaction and
	// returns the merged map. The row is created when absent.
	MergeVariables(ctx context.Context, sessionID, workflow string, updates map[string]any) (map[string]any, error)
	SetVariable(ctx context.Context, sessionID, workflow, name string, value any) error

	GetSessionVariables(ctx context.Context, sessionID string) (map[string]any, error)
	MergeSessionVariables(ctx context.Context, sessionID string, updates map[string]any) (map[string]any, error)
	SetSessionVariable(ctx context.Context, sessionID, name string, value any) error
	DeleteSessionVariables(ctx context.Context, sessionID string) error
}

// ExecutionStore persists pipeline executions and their step records.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *PipelineExecution) error
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	GetExecution(ctx context.Context, id string) (*PipelineExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*PipelineExecution, error)

	CreateStepExecution(ctx context.Context, step *StepExecution) error
	UpdateStepExecution(ctx context.Context, id string, update StepExecutionUpdate) error
	GetStepsForExecution(ctx context.Context, executionID string) ([]*StepExecution, error)
	GetStepByApprovalToken(ctx context.Context, token string) (*StepExecution, error)
	ListExpiredApprovals(ctx context.Context, now time.Time) ([]*StepExecution, error)
}

// SessionStore persists agent sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByExternalID(ctx context.Context, externalID string) (*Session, error)
	FindSessionsByPrefix(ctx context.Context, prefix string, limit int) ([]*Session, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
}

// ScheduleStore persists cron triggers for pipelines.
type ScheduleStore interface {
	UpsertSchedule(ctx context.Context, sched *PipelineSchedule) error
	GetSchedule(ctx context.Context, pipelineName string) (*PipelineSchedule, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*PipelineSchedule, error)
	UpdateScheduleRun(ctx context.Context, pipelineName string, update ScheduleRunUpdate) error
	DeleteSchedule(ctx context.Context, pipelineName string) error
}

// EventStore is the append-only audit trail.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full persistence contract. Implementations must be safe for concurrent use.
type Store interface {
	StateStore
	ExecutionStore
	SessionStore
	ScheduleStore
	EventStore

	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}
