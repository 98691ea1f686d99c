package schema

// Event type constants for the audit log and event hub.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventApprovalPending  = "approval_pending"
	EventApprovalGranted  = "approval_granted"
	EventApprovalRejected = "approval_rejected"
	EventApprovalExpired  = "approval_expired"

	EventWorkflowActivated    = "workflow_activated"
	EventWorkflowTransitioned = "workflow_transitioned"
	EventWorkflowEnded        = "workflow_ended"
	EventToolBlocked          = "tool_blocked"
)

// ExecutionStatus represents the lifecycle state of a pipeline execution or one of its steps.
type ExecutionStatus string

const (
	StatusPending         ExecutionStatus = "pending"
	StatusRunning         ExecutionStatus = "running"
	StatusWaitingApproval ExecutionStatus = "waiting_approval"
	StatusCompleted       ExecutionStatus = "completed"
	StatusFailed          ExecutionStatus = "failed"
	StatusCancelled       ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SessionStatus values written by actions and the spawner.
const (
	SessionActive       = "active"
	SessionHandoffReady = "handoff_ready"
	SessionEnded        = "ended"
)
