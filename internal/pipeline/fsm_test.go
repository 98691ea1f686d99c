package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/stepgate/pkg/schema"
)

func TestExecutionTransitions(t *testing.T) {
	valid := [][2]schema.ExecutionStatus{
		{schema.StatusPending, schema.StatusRunning},
		{schema.StatusRunning, schema.StatusWaitingApproval},
		{schema.StatusWaitingApproval, schema.StatusRunning},
		{schema.StatusRunning, schema.StatusCompleted},
		{schema.StatusRunning, schema.StatusFailed},
		{schema.StatusWaitingApproval, schema.StatusCancelled},
	}
	for _, tr := range valid {
		assert.NoError(t, CheckExecutionTransition("e1", tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	invalid := [][2]schema.ExecutionStatus{
		{schema.StatusCompleted, schema.StatusRunning},
		{schema.StatusFailed, schema.StatusRunning},
		{schema.StatusCancelled, schema.StatusRunning},
		{schema.StatusPending, schema.StatusCompleted},
		{schema.StatusWaitingApproval, schema.StatusCompleted},
	}
	for _, tr := range invalid {
		err := CheckExecutionTransition("e1", tr[0], tr[1])
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition), "%s -> %s", tr[0], tr[1])
	}
}

func TestStepTransitions(t *testing.T) {
	assert.NoError(t, CheckStepTransition("s", schema.StatusPending, schema.StatusWaitingApproval))
	assert.NoError(t, CheckStepTransition("s", schema.StatusWaitingApproval, schema.StatusCompleted))
	// An approved gate runs its body afterwards.
	assert.NoError(t, CheckStepTransition("s", schema.StatusCompleted, schema.StatusRunning))

	err := CheckStepTransition("s", schema.StatusFailed, schema.StatusRunning)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

func TestEventTypes(t *testing.T) {
	assert.Equal(t, schema.EventExecutionStarted, executionEventType(schema.StatusRunning, false))
	assert.Equal(t, schema.EventExecutionResumed, executionEventType(schema.StatusRunning, true))
	assert.Equal(t, schema.EventApprovalPending, executionEventType(schema.StatusWaitingApproval, false))
	assert.Equal(t, "", executionEventType(schema.StatusPending, false))
	assert.Equal(t, schema.EventStepFailed, stepEventType(schema.StatusFailed))
}
