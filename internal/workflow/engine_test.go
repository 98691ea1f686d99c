package workflow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepgate/internal/actions"
	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/internal/store/storetest"
	"github.com/rendis/stepgate/internal/streaming"
	"github.com/rendis/stepgate/pkg/schema"
)

type definitions map[string]*schema.WorkflowDefinition

func (d definitions) LoadWorkflow(name string) (*schema.WorkflowDefinition, error) {
	return d[name], nil
}

const tddWorkflow = `{
  "name": "tdd",
  "priority": 10,
  "variables": {"tests_written": false},
  "session_variables": {"mode": "strict"},
  "exit_condition": "shipped == true",
  "steps": [
    {
      "name": "red",
      "allowed_tools": ["Read", "Write"],
      "blocked_tools": ["Bash"],
      "on_enter": [{"action": "inject_context", "source": "file:__DIR__/red.md"}],
      "exit_conditions": ["tests_written"],
      "transitions": [{"to": "green", "when": "tests_written == true"}]
    },
    {
      "name": "green",
      "allowed_tools": "all",
      "on_enter": [{"action": "inject_context", "source": "file:__DIR__/green.md"}],
      "exit_conditions": [{"type": "user_approval", "message": "Ship it?", "id": "ship"}]
    },
    {
      "name": "done",
      "on_enter": [{"action": "set_variable", "name": "shipped", "value": true}]
    }
  ],
  "on_before_tool": [
    {"when": "tool.name == 'Write' && has(variables.frozen) && variables.frozen == true", "block": true, "reason": "frozen"}
  ],
  "on_after_tool": [
    {"tools": ["Write"], "actions": [{"action": "increment_variable", "name": "writes"}]}
  ]
}`

const guardWorkflow = `{
  "name": "guard",
  "priority": 1,
  "steps": [{"name": "watch"}],
  "on_before_tool": [{"tools": ["Write"], "block": true, "reason": "guarded"}]
}`

type engineFixture struct {
	engine *Engine
	store  *store.LibSQLStore
	hub    *streaming.MemoryHub
	defs   definitions
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "red.md"), []byte("Write a failing test first."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "green.md"), []byte("Make it pass."), 0o644))

	defs := definitions{}
	for _, doc := range []string{tddWorkflow, guardWorkflow} {
		var def schema.WorkflowDefinition
		require.NoError(t, json.Unmarshal([]byte(strings.ReplaceAll(doc, "__DIR__", dir)), &def))
		defs[def.Name] = &def
	}

	st := storetest.New(t)
	hub := streaming.NewMemoryHub()
	engine, err := NewEngine(Deps{
		Store:       st,
		Definitions: defs,
		Actions:     actions.NewExecutor(actions.Deps{Store: st}),
		Hub:         hub,
	})
	require.NoError(t, err)
	return &engineFixture{engine: engine, store: st, hub: hub, defs: defs}
}

func hook(session string, typ schema.HookType, tool string) HookEvent {
	return HookEvent{Type: typ, SessionID: session, ToolName: tool}
}

func (f *engineFixture) state(t *testing.T, session, workflow string) *store.WorkflowState {
	t.Helper()
	st, err := f.store.GetState(context.Background(), session, workflow)
	require.NoError(t, err)
	return st
}

func TestActivate_SeedsVariables(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	inst, err := f.engine.Activate(ctx, "s1", "tdd", map[string]any{"ticket": "T-1"}, ActivateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "red", inst.Step)
	assert.Equal(t, 10, inst.Priority)
	assert.True(t, inst.Enabled)
	assert.Equal(t, false, inst.Variables["tests_written"])
	assert.Equal(t, "T-1", inst.Variables["ticket"])

	vars, err := f.store.GetSessionVariables(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "strict", vars["mode"])

	// Re-activation keeps existing values and only fills absent keys.
	_, err = f.store.MergeVariables(ctx, "s1", "tdd", map[string]any{"tests_written": true})
	require.NoError(t, err)
	_, err = f.store.MergeSessionVariables(ctx, "s1", map[string]any{"mode": "relaxed"})
	require.NoError(t, err)
	prio := 3
	inst, err = f.engine.Activate(ctx, "s1", "tdd", nil, ActivateOptions{Priority: &prio})
	require.NoError(t, err)
	assert.Equal(t, true, inst.Variables["tests_written"])
	assert.Equal(t, 3, inst.Priority)
	vars, err = f.store.GetSessionVariables(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "relaxed", vars["mode"])

	_, err = f.engine.Activate(ctx, "s1", "missing", nil, ActivateOptions{})
	assert.True(t, schema.IsNotFound(err))
}

func TestHandleEvent_OnEnterRunsOnce(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.Activate(ctx, "s1", "tdd", nil, ActivateOptions{})
	require.NoError(t, err)

	d := f.engine.HandleEvent(ctx, hook("s1", schema.HookSessionStart, ""))
	assert.False(t, d.Blocked())
	assert.Equal(t, "Write a failing test first.", d.Context)
	assert.True(t, f.state(t, "s1", "tdd").ContextInjected)

	d = f.engine.HandleEvent(ctx, hook("s1", schema.HookPromptSubmit, ""))
	assert.Empty(t, d.Context)
}

func TestHandleEvent_NoInstancesAllows(t *testing.T) {
	f := newEngineFixture(t)
	d := f.engine.HandleEvent(context.Background(), hook("nobody", schema.HookBeforeTool, "Bash"))
	assert.Equal(t, Allow(), d)
}

func TestHandleEvent_ToolGating(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.Activate(ctx, "s1", "tdd", nil, ActivateOptions{})
	require.NoError(t, err)

	tests := []struct {
		tool    string
		blocked bool
		reason  string
	}{
		{"Read", false, ""},
		{"Write", false, ""},
		{"Bash", true, "blocked in step red"},
		{"Edit", true, "not allowed in step red"},
		{"mcp__stepgate__request_step_transition", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			d := f.engine.HandleEvent(ctx, hook("s1", schema.HookBeforeTool, tt.tool))
			assert.Equal(t, tt.blocked, d.Blocked())
			if tt.blocked {
				assert.Contains(t, d.Reason, tt.reason)
				assert.Equal(t, "tdd", d.Workflow)
			}
		})
	}

	evts, err := f.store.ListEvents(ctx, store.EventFilter{SessionID: "s1", EventType: schema.EventToolBlocked})
	require.NoError(t, err)
	assert.Len(t, evts, 2)
}

func TestHandleEvent_LifecycleVariablesOverrideStep(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.Activate(ctx, "s1", "tdd", nil, ActivateOptions{})
	require.NoError(t, err)

	_, err = f.store.MergeVariables(ctx, "s1", "tdd", map[string]any{actions.VarUnlockedTools: []any{"Edit"}})
	require.NoError(t, err)
	_, err = f.store.MergeSessionVariables(ctx, "s1", map[string]any{actions.VarBlockedTools: []any{"Read"}})
	require.NoError(t, err)

	assert.False(t, f.engine.HandleEvent(ctx, hook("s1", schema.HookBeforeTool, "Edit")).Blocked())
	d := f.engine.HandleEvent(ctx, hook("s1", schema.HookBeforeTool, "Read"))
	assert.True(t, d.Blocked())
	assert.Contains(t, d.Reason, "blocked by workflow tdd")
}

func TestHandleEvent_TriggerGuard(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.Activate(ctx, "s1", "tdd", map[string]any{"frozen": true}, ActivateOptions{})
	require.NoError(t, err)

	d := f.engine.HandleEvent(ctx, hook("s1", schema.HookBeforeTool, "Write"))
	assert.True(t, d.Blocked())
	assert.Equal(t, "frozen", d.Reason)

	assert.False(t, f.engine.HandleEvent(ctx, hook("s1", schema.HookBeforeTool, "Read")).Blocked())
}

func TestHandleEvent_PriorityOrder(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.Activate(ctx, "s1", "tdd", nil, ActivateOptions{})
	require.NoError(t, err)
	_, err = f.engine.Activate(ctx, "s1", "guard", nil, ActivateOptions{})
	require.NoError(t, err)

	d := f.engine.HandleEvent(ctx, hook("s1", schema.HookBeforeTool, "Write"))
	assert.True(t, d.Blocked())
	assert.Equal(t, "guarded", d.Reason)
	assert.Equal(t, "guard", d.Workflow)
	assert.Equal(t, "Write a failing test first.", d.Context, "every instance contributes context")

	require.NoError(t, f.engine.SetEnabled(ctx, "s1", "guard", false))
	assert.False(t, f.engine.HandleEvent(ctx, hook("s1", schema.HookBeforeTool, "Write")).Blocked())
}

func TestHandleEvent_FullLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.Activate(ctx, "s1", "tdd", nil, ActivateOptions{})
	require.NoError(t, err)
	f.engine.HandleEvent(ctx, hook("s1", schema.HookSessionStart, ""))

	d := f.engine.HandleEvent(ctx, hook("s1", schema.HookAfterTool, "Write"))
	assert.Empty(t, d.Context)
	st := f.state(t, "s1", "tdd")
	assert.Equal(t, "red", st.Step)
	assert.Equal(t, 1, st.StepActionCount)
	assert.Equal(t, float64(1), st.Variables["writes"])

	_, err = f.store.MergeVariables(ctx, "s1", "tdd", map[string]any{"tests_written": true})
	require.NoError(t, err)
	d = f.engine.HandleEvent(ctx, hook("s1", schema.HookAfterTool, "Read"))
	assert.Equal(t, "Make it pass.", d.Context)
	st = f.state(t, "s1", "tdd")
	assert.Equal(t, "green", st.Step)
	assert.Zero(t, st.StepActionCount)
	assert.Equal(t, 2, st.TotalActionCount)
	assert.True(t, st.ContextInjected)

	// Waiting on the user approval.
	f.engine.HandleEvent(ctx, hook("s1", schema.HookAfterTool, "Bash"))
	assert.Equal(t, "green", f.state(t, "s1", "tdd").Step)

	require.NoError(t, f.engine.GrantApproval(ctx, "s1", "tdd", "ship"))
	f.engine.HandleEvent(ctx, hook("s1", schema.HookAfterTool, "Bash"))

	_, err = f.store.GetState(ctx, "s1", "tdd")
	assert.True(t, schema.IsNotFound(err), "exit_condition ends the workflow")
	vars, err := f.store.GetSessionVariables(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, true, vars["shipped"])
	assert.Equal(t, float64(1), vars["writes"])
	assert.NotContains(t, vars, "tests_written")

	ended, err := f.store.ListEvents(ctx, store.EventFilter{SessionID: "s1", EventType: schema.EventWorkflowEnded})
	require.NoError(t, err)
	assert.Len(t, ended, 1)
	moves, err := f.store.ListEvents(ctx, store.EventFilter{SessionID: "s1", EventType: schema.EventWorkflowTransitioned})
	require.NoError(t, err)
	assert.Len(t, moves, 2)
}

func TestRequestStepTransition(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.Activate(ctx, "s1", "tdd", nil, ActivateOptions{})
	require.NoError(t, err)
	f.engine.HandleEvent(ctx, hook("s1", schema.HookSessionStart, ""))

	_, err = f.engine.RequestStepTransition(ctx, "s1", "tdd", "green", false)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	_, err = f.store.MergeVariables(ctx, "s1", "tdd", map[string]any{"tests_written": true})
	require.NoError(t, err)
	_, err = f.engine.RequestStepTransition(ctx, "s1", "tdd", "done", false)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition), "done is not a declared target")

	st, err := f.engine.RequestStepTransition(ctx, "s1", "tdd", "green", false)
	require.NoError(t, err)
	assert.Equal(t, "green", st.Step)
	assert.False(t, st.ContextInjected, "on_enter runs on the next hook")

	d := f.engine.HandleEvent(ctx, hook("s1", schema.HookPromptSubmit, ""))
	assert.Equal(t, "Make it pass.", d.Context)

	_, err = f.engine.RequestStepTransition(ctx, "s1", "tdd", "nowhere", true)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRequestStepTransition_ForcedIntoCurrentStepResets(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.Activate(ctx, "s1", "tdd", nil, ActivateOptions{})
	require.NoError(t, err)
	f.engine.HandleEvent(ctx, hook("s1", schema.HookSessionStart, ""))
	f.engine.HandleEvent(ctx, hook("s1", schema.HookAfterTool, "Read"))
	before := f.state(t, "s1", "tdd")
	require.Equal(t, 1, before.StepActionCount)
	require.True(t, before.ContextInjected)

	st, err := f.engine.RequestStepTransition(ctx, "s1", "tdd", "red", true)
	require.NoError(t, err)
	assert.Equal(t, "red", st.Step)
	assert.Zero(t, st.StepActionCount)
	assert.False(t, st.ContextInjected)
	assert.Equal(t, 1, st.TotalActionCount)
	assert.False(t, st.StepEnteredAt.Before(before.StepEnteredAt))

	d := f.engine.HandleEvent(ctx, hook("s1", schema.HookPromptSubmit, ""))
	assert.Equal(t, "Write a failing test first.", d.Context)
}

func TestStatus(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.Activate(ctx, "s1", "tdd", nil, ActivateOptions{})
	require.NoError(t, err)
	_, err = f.engine.Activate(ctx, "s1", "guard", nil, ActivateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.engine.SetEnabled(ctx, "s1", "guard", false))

	status, err := f.engine.Status(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, status.Enabled, 1)
	require.Len(t, status.Disabled, 1)
	assert.Equal(t, "tdd", status.Enabled[0].Workflow)
	assert.Equal(t, "guard", status.Disabled[0].Workflow)
	assert.Equal(t, []map[string]any{{"var": "tests_written"}}, status.Enabled[0].UnmetConditions)
	assert.Equal(t, "strict", status.SessionVariables["mode"])
}

func TestEnd(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.Activate(ctx, "s1", "tdd", map[string]any{"notes": "keep"}, ActivateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.engine.End(ctx, "s1", "tdd"))
	_, err = f.store.GetState(ctx, "s1", "tdd")
	assert.True(t, schema.IsNotFound(err))
	vars, err := f.store.GetSessionVariables(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "keep", vars["notes"])
	assert.Equal(t, "strict", vars["mode"], "session variables survive the instance")

	assert.True(t, schema.IsNotFound(f.engine.End(ctx, "s1", "tdd")))
}

func TestHandleEvent_ActivationPublishesToHub(t *testing.T) {
	f := newEngineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, unsub, err := f.hub.Subscribe(ctx, streaming.EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	defer unsub()

	_, err = f.engine.Activate(ctx, "s1", "guard", nil, ActivateOptions{})
	require.NoError(t, err)
	evt := <-ch
	assert.Equal(t, schema.EventWorkflowActivated, evt.EventType)
}
