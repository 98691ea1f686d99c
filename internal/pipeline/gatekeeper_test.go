package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepgate/internal/logging"
	"github.com/rendis/stepgate/internal/webhook"
	"github.com/rendis/stepgate/pkg/schema"
)

const gatedPipeline = `{
  "name": "deploy",
  "steps": [
    {"id": "build", "exec": {"command": "echo '{\"artifact\": \"app.tar\"}'"}},
    {"id": "ship", "exec": {"command": "echo shipped {{ steps.build.stdout.artifact }}"},
     "approval": {"required": true, "message": "Ship it?"}}
  ],
  "outputs": {"result": ".steps.ship.stdout_raw"}
}`

func TestNewApprovalToken(t *testing.T) {
	a, err := NewApprovalToken()
	require.NoError(t, err)
	b, err := NewApprovalToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, approvalTokenBytes)
}

func TestApproval_PauseApproveResume(t *testing.T) {
	def := mustPipeline(t, gatedPipeline)
	h := newHarness(t, Config{}, nil, def)
	ctx := context.Background()

	exec, err := h.exec.Execute(ctx, def, nil, RunOptions{})
	ar, ok := schema.AsApprovalRequired(err)
	require.True(t, ok, "expected approval pause, got %v", err)
	assert.Equal(t, "ship", ar.StepID)
	assert.Equal(t, "Ship it?", ar.Message)
	assert.Equal(t, exec.ID, ar.ExecutionID)

	stored, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusWaitingApproval, stored.Status)
	assert.Equal(t, ar.Token, stored.ResumeToken)

	// Resuming before approval reports the same pause.
	_, err = h.exec.Resume(ctx, exec.ID)
	again, ok := schema.AsApprovalRequired(err)
	require.True(t, ok)
	assert.Equal(t, ar.Token, again.Token)

	approved, err := h.exec.ApproveStep(ctx, ar.Token, "ana")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusWaitingApproval, approved.Status, "approval does not resume")
	assert.Empty(t, approved.ResumeToken)

	done, err := h.exec.Resume(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, done.Status)
	assert.JSONEq(t, `{"result": "shipped app.tar\n"}`, string(done.Outputs))

	steps, err := h.store.GetStepsForExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, s := range steps {
		if s.StepID == "ship" {
			assert.Equal(t, "ana", s.ApprovedBy)
			assert.NotNil(t, s.ApprovedAt)
		}
	}

	startedA := 0
	for _, evt := range h.events(t, exec.ID, schema.EventStepStarted) {
		if evt.StepID == "build" {
			startedA++
		}
	}
	assert.Equal(t, 1, startedA, "completed steps are not re-run on resume")
	assert.Len(t, h.events(t, exec.ID, schema.EventExecutionResumed), 1)
	assert.Len(t, h.events(t, exec.ID, schema.EventApprovalGranted), 1)
}

func TestApproval_TokenIsSingleUse(t *testing.T) {
	def := mustPipeline(t, gatedPipeline)
	h := newHarness(t, Config{}, nil, def)
	ctx := context.Background()

	_, err := h.exec.Execute(ctx, def, nil, RunOptions{})
	ar, ok := schema.AsApprovalRequired(err)
	require.True(t, ok)

	_, err = h.exec.ApproveStep(ctx, ar.Token, "ana")
	require.NoError(t, err)
	_, err = h.exec.ApproveStep(ctx, ar.Token, "ana")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidToken))

	_, err = h.exec.RejectStep(ctx, ar.Token, "bob")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidToken))

	_, err = h.exec.ApproveStep(ctx, "not-a-token", "ana")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidToken))
	assert.False(t, schema.IsNotFound(err))
}

func TestApproval_ConcurrentApprovalsGrantOnce(t *testing.T) {
	def := mustPipeline(t, gatedPipeline)
	h := newHarness(t, Config{}, nil, def)
	ctx := context.Background()

	exec, err := h.exec.Execute(ctx, def, nil, RunOptions{})
	ar, ok := schema.AsApprovalRequired(err)
	require.True(t, ok)

	const approvers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for range approvers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.exec.ApproveStep(ctx, ar.Token, "ana")
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
				return
			}
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidToken) || schema.IsCode(err, schema.ErrCodeConflict), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Len(t, h.events(t, exec.ID, schema.EventApprovalGranted), 1)
}

func TestApproval_Reject(t *testing.T) {
	def := mustPipeline(t, gatedPipeline)
	h := newHarness(t, Config{}, nil, def)
	ctx := context.Background()

	exec, err := h.exec.Execute(ctx, def, nil, RunOptions{})
	ar, ok := schema.AsApprovalRequired(err)
	require.True(t, ok)

	rejected, err := h.exec.RejectStep(ctx, ar.Token, "bob")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCancelled, rejected.Status)
	assert.Contains(t, rejected.Error, "rejected by bob")
	assert.NotNil(t, rejected.CompletedAt)

	stored, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.Error, rejected.Error)

	_, err = h.exec.Resume(ctx, exec.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "terminal executions cannot resume")
	assert.Len(t, h.events(t, exec.ID, schema.EventApprovalRejected), 1)
	assert.Len(t, h.events(t, exec.ID, schema.EventExecutionCancelled), 1)
}

func TestApproval_ExpiredOnAccess(t *testing.T) {
	def := mustPipeline(t, gatedPipeline)
	h := newHarness(t, Config{ApprovalTTL: time.Millisecond}, nil, def)
	ctx := context.Background()

	exec, err := h.exec.Execute(ctx, def, nil, RunOptions{})
	ar, ok := schema.AsApprovalRequired(err)
	require.True(t, ok)

	time.Sleep(10 * time.Millisecond)
	_, err = h.exec.ApproveStep(ctx, ar.Token, "ana")
	assert.True(t, schema.IsCode(err, schema.ErrCodeApprovalExpired))
	assert.True(t, schema.IsInvalidToken(err))

	stored, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCancelled, stored.Status)
}

func TestApproval_ExpireStale(t *testing.T) {
	def := mustPipeline(t, gatedPipeline)
	h := newHarness(t, Config{ApprovalTTL: time.Hour}, nil, def)
	ctx := context.Background()

	exec, err := h.exec.Execute(ctx, def, nil, RunOptions{})
	_, ok := schema.AsApprovalRequired(err)
	require.True(t, ok)

	n, err := h.exec.ExpireStale(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "deadline not reached")

	n, err = h.exec.ExpireStale(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCancelled, stored.Status)
	assert.Len(t, h.events(t, exec.ID, schema.EventApprovalExpired), 1)
}

func TestApproval_NoTTLNeverExpires(t *testing.T) {
	def := mustPipeline(t, gatedPipeline)
	h := newHarness(t, Config{}, nil, def)
	ctx := context.Background()

	_, err := h.exec.Execute(ctx, def, nil, RunOptions{})
	require.Error(t, err)

	n, err := h.exec.ExpireStale(ctx, time.Now().Add(24*365*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApproval_WebhookCarriesLinks(t *testing.T) {
	var (
		mu  sync.Mutex
		got webhook.Payload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	def := mustPipeline(t, `{"name":"gate","steps":[{"id":"go","exec":{"command":"true"},"approval":{"required":true}}],
	  "webhooks":{"on_approval_pending":{"url":"`+srv.URL+`","method":"PUT"}}}`)
	h := newHarness(t, Config{BaseURL: "http://stepgate.local/"}, nil, def)

	_, err := h.exec.Execute(context.Background(), def, nil, RunOptions{})
	ar, ok := schema.AsApprovalRequired(err)
	require.True(t, ok)
	assert.Equal(t, "Approve step go?", ar.Message)

	h.exec.deps.Notifier.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, schema.EventApprovalPending, got.Event)
	assert.Equal(t, ar.Token, got.Token)
	assert.Equal(t, "http://stepgate.local/api/pipelines/approve/"+ar.Token, got.ApproveURL)
	assert.Equal(t, "http://stepgate.local/api/pipelines/reject/"+ar.Token, got.RejectURL)
}

func TestStart_FirstStepGateIsSynchronous(t *testing.T) {
	def := mustPipeline(t, `{"name":"gate","steps":[{"id":"go","exec":{"command":"echo ok"},"approval":{"required":true}}]}`)
	h := newHarness(t, Config{}, nil, def)
	ctx := context.Background()

	exec, err := h.exec.Start(ctx, "gate", nil, RunOptions{})
	ar, ok := schema.AsApprovalRequired(err)
	require.True(t, ok)
	assert.Equal(t, "go", ar.StepID)

	_, err = h.exec.ApproveStep(ctx, ar.Token, "ana")
	require.NoError(t, err)
	done, err := h.exec.Resume(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, done.Status)
}

func TestStart_RunsInBackground(t *testing.T) {
	def := mustPipeline(t, twoStepPipeline)
	h := newHarness(t, Config{}, nil, def)
	ctx, cancel := context.WithCancel(context.Background())

	exec, err := h.exec.Start(ctx, "count", nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, exec.Status)
	cancel() // the run is detached from the caller

	h.exec.Wait()
	stored, err := h.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, stored.Status)
}

func TestStart_BackgroundRunDropsCallerValues(t *testing.T) {
	type callerKey struct{}
	def := mustPipeline(t, `{"name":"act","steps":[{"id":"wf","activate_workflow":{"workflow":"review"}}]}`)
	act := &fakeActivator{}
	h := newHarness(t, Config{}, func(d *Deps) { d.Workflows = act }, def)

	ctx := context.WithValue(context.Background(), callerKey{}, "lane")
	_, err := h.exec.Start(ctx, "act", nil, RunOptions{SessionID: "sess-1"})
	require.NoError(t, err)
	h.exec.Wait()

	act.mu.Lock()
	defer act.mu.Unlock()
	require.Len(t, act.ctxs, 1)
	assert.Nil(t, act.ctxs[0].Value(callerKey{}), "a background run must not inherit caller-owned values")
	assert.NotEmpty(t, logging.ExecutionID(act.ctxs[0]))
}

func TestResume_ReplaysOutputsIntoScope(t *testing.T) {
	def := mustPipeline(t, `{"name":"three","steps":[
	  {"id":"a","exec":{"command":"echo 5"}},
	  {"id":"gate","exec":{"command":"echo {{ steps.a.stdout }}"},"approval":{"required":true}},
	  {"id":"c","exec":{"command":"echo {{ steps.gate.stdout }}"},"approval":{"required":true}}
	],"outputs":{"c":".steps.c.stdout"}}`)
	h := newHarness(t, Config{}, nil, def)
	ctx := context.Background()

	exec, err := h.exec.Execute(ctx, def, nil, RunOptions{})
	first, ok := schema.AsApprovalRequired(err)
	require.True(t, ok)
	_, err = h.exec.ApproveStep(ctx, first.Token, "ana")
	require.NoError(t, err)

	// The second gate pauses again.
	_, err = h.exec.Resume(ctx, exec.ID)
	second, ok := schema.AsApprovalRequired(err)
	require.True(t, ok)
	assert.Equal(t, "c", second.StepID)
	assert.NotEqual(t, first.Token, second.Token)

	_, err = h.exec.ApproveStep(ctx, second.Token, "ana")
	require.NoError(t, err)
	done, err := h.exec.Resume(ctx, exec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"c": 5}`, string(done.Outputs))
}
