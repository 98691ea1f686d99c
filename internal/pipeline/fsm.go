package pipeline

import (
	"github.com/rendis/stepgate/pkg/schema"
)

// validExecutionTransitions is the execution status table. Terminal statuses have
// no outgoing edges.
var validExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.StatusPending: {
		schema.StatusRunning,
		schema.StatusFailed,
		schema.StatusCancelled,
	},
	schema.StatusRunning: {
		schema.StatusWaitingApproval,
		schema.StatusCompleted,
		schema.StatusFailed,
		schema.StatusCancelled,
	},
	schema.StatusWaitingApproval: {
		schema.StatusRunning,
		schema.StatusFailed,
		schema.StatusCancelled,
	},
}

// validStepTransitions is the step status table. A step whose gate was approved is
// completed without output; resuming runs its body, hence completed -> running.
var validStepTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.StatusPending: {
		schema.StatusRunning,
		schema.StatusWaitingApproval,
		schema.StatusFailed,
		schema.StatusCancelled,
	},
	schema.StatusRunning: {
		schema.StatusCompleted,
		schema.StatusFailed,
		schema.StatusCancelled,
	},
	schema.StatusWaitingApproval: {
		schema.StatusCompleted,
		schema.StatusFailed,
		schema.StatusCancelled,
	},
	schema.StatusCompleted: {
		schema.StatusRunning,
	},
}

// CheckExecutionTransition returns an INVALID_TRANSITION error unless from -> to is allowed.
func CheckExecutionTransition(executionID string, from, to schema.ExecutionStatus) error {
	if allowed(validExecutionTransitions, from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// CheckStepTransition returns an INVALID_TRANSITION error unless from -> to is allowed.
func CheckStepTransition(stepID string, from, to schema.ExecutionStatus) error {
	if allowed(validStepTransitions, from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithStep(stepID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

func allowed(table map[schema.ExecutionStatus][]schema.ExecutionStatus, from, to schema.ExecutionStatus) bool {
	for _, a := range table[from] {
		if a == to {
			return true
		}
	}
	return false
}

// executionEventType maps a new execution status to the audit event it emits.
func executionEventType(to schema.ExecutionStatus, resumed bool) string {
	switch to {
	case schema.StatusRunning:
		if resumed {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.StatusCompleted:
		return schema.EventExecutionCompleted
	case schema.StatusFailed:
		return schema.EventExecutionFailed
	case schema.StatusCancelled:
		return schema.EventExecutionCancelled
	case schema.StatusWaitingApproval:
		return schema.EventApprovalPending
	default:
		return ""
	}
}

func stepEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.StatusRunning:
		return schema.EventStepStarted
	case schema.StatusCompleted:
		return schema.EventStepCompleted
	case schema.StatusFailed:
		return schema.EventStepFailed
	default:
		return ""
	}
}
