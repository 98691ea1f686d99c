package mcp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepgate/internal/streaming"
	"github.com/rendis/stepgate/pkg/schema"
)

type sent struct {
	session string // empty for broadcasts
	method  string
	params  map[string]any
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sent
	missing map[string]bool
}

func (f *fakeSender) SendNotificationToAllClients(method string, params map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{method: method, params: params})
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[sessionID] {
		return server.ErrSessionNotFound
	}
	f.sent = append(f.sent, sent{session: sessionID, method: method, params: params})
	return nil
}

func (f *fakeSender) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func TestNotifier_TargetsOwningClient(t *testing.T) {
	sender := &fakeSender{}
	reg := NewSessionRegistry()
	reg.Register("exec-1", "client-a")
	n := NewNotifier(sender, reg, nil)

	require.NoError(t, n.Notify(context.Background(), streaming.StreamEvent{
		ExecutionID: "exec-1",
		StepID:      "ship",
		EventType:   schema.EventApprovalPending,
	}))

	got := sender.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "client-a", got[0].session)
	assert.Equal(t, notificationMethod, got[0].method)
	assert.Equal(t, "warning", got[0].params["level"])
	data := got[0].params["data"].(map[string]any)
	assert.Equal(t, "ship", data["step_id"])

	_, ok := reg.SessionFor("exec-1")
	assert.True(t, ok, "pending approval keeps the mapping")
}

func TestNotifier_BroadcastsUnownedFailures(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, nil, nil)

	require.NoError(t, n.Notify(context.Background(), streaming.StreamEvent{
		ExecutionID: "exec-2",
		EventType:   schema.EventExecutionFailed,
		Payload:     map[string]any{"error": "boom"},
	}))

	got := sender.snapshot()
	require.Len(t, got, 1)
	assert.Empty(t, got[0].session)
	assert.Equal(t, "error", got[0].params["level"])
}

func TestNotifier_FallsBackWhenClientGone(t *testing.T) {
	sender := &fakeSender{missing: map[string]bool{"client-gone": true}}
	reg := NewSessionRegistry()
	reg.Register("exec-3", "client-gone")
	n := NewNotifier(sender, reg, nil)

	require.NoError(t, n.Notify(context.Background(), streaming.StreamEvent{
		ExecutionID: "exec-3",
		EventType:   schema.EventExecutionFailed,
	}))

	got := sender.snapshot()
	require.Len(t, got, 1)
	assert.Empty(t, got[0].session)
	_, ok := reg.SessionFor("exec-3")
	assert.False(t, ok)
}

func TestNotifier_ForwardFiltersHubEvents(t *testing.T) {
	sender := &fakeSender{}
	hub := streaming.NewMemoryHub()
	n := NewNotifier(sender, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Forward(ctx, hub) }()

	// Publish until the subscription is live.
	require.Eventually(t, func() bool {
		_ = hub.Publish(ctx, streaming.StreamEvent{ExecutionID: "e", EventType: schema.EventStepCompleted})
		_ = hub.Publish(ctx, streaming.StreamEvent{ExecutionID: "e", EventType: schema.EventExecutionFailed})
		return len(sender.snapshot()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after cancel")
	}

	for _, s := range sender.snapshot() {
		data := s.params["data"].(map[string]any)
		assert.Equal(t, schema.EventExecutionFailed, data["event_type"])
	}
}

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("exec-1", "session-abc")
	r.Register("exec-2", "session-abc")
	r.Register("exec-3", "session-xyz")
	r.Register("", "session-ignored")

	sid, ok := r.SessionFor("exec-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	r.Remove("session-abc")
	_, ok = r.SessionFor("exec-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("exec-2")
	assert.False(t, ok)

	r.Forget("exec-3")
	_, ok = r.SessionFor("exec-3")
	assert.False(t, ok)
}
