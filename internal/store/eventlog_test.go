package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepgate/pkg/schema"
)

func TestAppendEvent_MonotonicSequencePerStream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := &Event{ExecutionID: "exec-1", StepID: "s1", Type: schema.EventStepStarted}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	other := &Event{SessionID: "sess-1", Type: schema.EventWorkflowActivated}
	require.NoError(t, s.AppendEvent(ctx, other))
	assert.Equal(t, int64(1), other.Sequence, "session stream starts its own sequence")
}

func TestAppendEvent_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.AppendEvent(ctx, &Event{ExecutionID: "exec-c", Type: schema.EventStepStarted, StepID: "s"})
		}()
	}
	wg.Wait()

	events, err := s.ListEvents(ctx, EventFilter{ExecutionID: "exec-c"})
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestListEvents_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{"reason": "boom"})
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "e1", Type: schema.EventExecutionStarted}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "e1", Type: schema.EventExecutionFailed, Payload: payload}))
	require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: "s1", Type: schema.EventWorkflowEnded}))

	failed, err := s.ListEvents(ctx, EventFilter{EventType: schema.EventExecutionFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.JSONEq(t, `{"reason":"boom"}`, string(failed[0].Payload))

	sessionEvents, err := s.ListEvents(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, sessionEvents, 1)
}

func TestReplayExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, e := range []*Event{
		{ExecutionID: "x", Type: schema.EventExecutionStarted},
		{ExecutionID: "x", StepID: "s1", Type: schema.EventStepStarted},
		{ExecutionID: "x", StepID: "s1", Type: schema.EventStepCompleted},
		{ExecutionID: "x", StepID: "s2", Type: schema.EventApprovalPending},
	} {
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	steps, err := ReplayExecution(ctx, s, "x")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, schema.StatusCompleted, steps["s1"].Status)
	assert.NotNil(t, steps["s1"].CompletedAt)
	assert.Equal(t, schema.StatusWaitingApproval, steps["s2"].Status)
}

func TestReplayExecution_Empty(t *testing.T) {
	s := newTestStore(t)
	steps, err := ReplayExecution(context.Background(), s, "none")
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestPruneEvents_DropsWholeStaleStreams(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "stale", Type: schema.EventExecutionStarted, Timestamp: old}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "stale", Type: schema.EventExecutionCompleted, Timestamp: old.Add(time.Minute)}))
	// Started long ago but still active: kept whole.
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "live", Type: schema.EventExecutionStarted, Timestamp: old}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "live", Type: schema.EventStepStarted, StepID: "a", Timestamp: now}))

	n, err := s.PruneEvents(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stale, err := s.ListEvents(ctx, EventFilter{ExecutionID: "stale"})
	require.NoError(t, err)
	assert.Empty(t, stale)
	live, err := s.ListEvents(ctx, EventFilter{ExecutionID: "live"})
	require.NoError(t, err)
	assert.Len(t, live, 2)

	_, err = ReplayExecution(ctx, s, "live")
	assert.NoError(t, err)
	require.NoError(t, s.Vacuum(ctx))
}
