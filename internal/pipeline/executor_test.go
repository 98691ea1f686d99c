package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepgate/internal/mcpproxy"
	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/internal/store/storetest"
	"github.com/rendis/stepgate/internal/streaming"
	"github.com/rendis/stepgate/internal/validation"
	"github.com/rendis/stepgate/internal/webhook"
	"github.com/rendis/stepgate/pkg/schema"
)

type definitions map[string]*schema.PipelineDefinition

func (d definitions) LoadPipeline(name string) (*schema.PipelineDefinition, error) {
	return d[name], nil
}

func (d definitions) ListPipelines() []*schema.PipelineDefinition {
	out := make([]*schema.PipelineDefinition, 0, len(d))
	for _, name := range schema.SortedKeys(d) {
		out = append(out, d[name])
	}
	return out
}

type fakeTools struct {
	result *mcpproxy.ToolResult
	err    error
	args   map[string]any
}

func (f *fakeTools) CallTool(_ context.Context, _, _ string, args map[string]any) (*mcpproxy.ToolResult, error) {
	f.args = args
	return f.result, f.err
}

type fakeActivator struct {
	mu    sync.Mutex
	calls []string
	ctxs  []context.Context
}

func (f *fakeActivator) ActivateWorkflow(ctx context.Context, sessionID, workflow string, variables map[string]any, _ int) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID+"/"+workflow)
	f.ctxs = append(f.ctxs, ctx)
	return variables, nil
}

func mustPipeline(t *testing.T, doc string) *schema.PipelineDefinition {
	t.Helper()
	var def schema.PipelineDefinition
	require.NoError(t, json.Unmarshal([]byte(doc), &def))
	return &def
}

type harness struct {
	exec  *Executor
	store *store.LibSQLStore
	hub   *streaming.MemoryHub
	defs  definitions
}

func newHarness(t *testing.T, cfg Config, mutate func(*Deps), defs ...*schema.PipelineDefinition) *harness {
	t.Helper()
	st := storetest.New(t)
	v, err := validation.New()
	require.NoError(t, err)

	table := definitions{}
	for _, d := range defs {
		table[d.Name] = d
	}
	hub := streaming.NewMemoryHub()
	deps := Deps{
		Store:       st,
		Definitions: table,
		Validator:   v,
		Hub:         hub,
		Notifier:    webhook.NewNotifier(time.Second, nil),
	}
	if mutate != nil {
		mutate(&deps)
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{"HOME": "/tmp"}
	}
	return &harness{exec: NewExecutor(deps, cfg), store: st, hub: hub, defs: table}
}

func (h *harness) events(t *testing.T, executionID, eventType string) []*store.Event {
	t.Helper()
	evts, err := h.store.ListEvents(context.Background(), store.EventFilter{ExecutionID: executionID, EventType: eventType})
	require.NoError(t, err)
	return evts
}

const twoStepPipeline = `{
  "name": "count",
  "inputs": {"greeting": {"type": "string", "default": "hi"}},
  "steps": [
    {"id": "a", "exec": {"command": "echo '{\"n\": 2}'"}},
    {"id": "b", "exec": {"command": "echo {{ steps.a.stdout.n }}"}}
  ],
  "outputs": {"n": ".steps.b.stdout", "greeting": ".inputs.greeting"}
}`

func TestExecute_SequentialStepsAndOutputs(t *testing.T) {
	def := mustPipeline(t, twoStepPipeline)
	h := newHarness(t, Config{}, nil, def)
	ctx := context.Background()

	exec, err := h.exec.Run(ctx, "count", nil, RunOptions{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, exec.Status)
	assert.JSONEq(t, `{"n": 2, "greeting": "hi"}`, string(exec.Outputs))

	stored, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, stored.Status)
	assert.Equal(t, "p1", stored.ProjectID)
	assert.NotNil(t, stored.CompletedAt)

	steps, err := h.store.GetStepsForExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, s := range steps {
		assert.Equal(t, schema.StatusCompleted, s.Status, s.StepID)
	}

	assert.Len(t, h.events(t, exec.ID, schema.EventExecutionStarted), 1)
	assert.Len(t, h.events(t, exec.ID, schema.EventStepCompleted), 2)
	assert.Len(t, h.events(t, exec.ID, schema.EventExecutionCompleted), 1)
}

func TestExecute_FinalOutputWithoutMapping(t *testing.T) {
	def := mustPipeline(t, `{"name":"one","steps":[{"id":"only","exec":{"command":"echo done"}}]}`)
	h := newHarness(t, Config{}, nil, def)

	exec, err := h.exec.Execute(context.Background(), def, nil, RunOptions{})
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(exec.Outputs, &out))
	assert.Equal(t, "done\n", out["stdout_raw"])
	assert.EqualValues(t, 0, out["exit_code"])
}

func TestExecute_NonZeroExitAndSpawnFailureAreData(t *testing.T) {
	def := mustPipeline(t, `{"name":"exits","steps":[
	  {"id":"fails","exec":{"command":"sh -c 'echo oops >&2; exit 3'"}},
	  {"id":"missing","exec":{"command":"stepgate-no-such-binary --flag"}}
	],"outputs":{"code":".steps.fails.exit_code","stderr":".steps.fails.stderr","missing":".steps.missing.exit_code"}}`)
	h := newHarness(t, Config{}, nil, def)

	exec, err := h.exec.Execute(context.Background(), def, nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, exec.Status)
	assert.JSONEq(t, `{"code": 3, "stderr": "oops\n", "missing": -1}`, string(exec.Outputs))
}

func TestExecute_TimeoutKillsCommand(t *testing.T) {
	def := mustPipeline(t, `{"name":"slow","steps":[{"id":"sleep","exec":{"command":"sleep 5","timeout":"50ms"}}],
	  "outputs":{"killed":".steps.sleep.killed"}}`)
	h := newHarness(t, Config{}, nil, def)

	exec, err := h.exec.Execute(context.Background(), def, nil, RunOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"killed": true}`, string(exec.Outputs))
}

func TestExecute_InvalidInputs(t *testing.T) {
	def := mustPipeline(t, `{"name":"typed","inputs":{"count":{"type":"integer"}},"steps":[{"id":"a","exec":{"command":"true"}}]}`)
	h := newHarness(t, Config{}, nil, def)
	ctx := context.Background()

	_, err := h.exec.Execute(ctx, def, map[string]any{}, RunOptions{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "missing required input")

	_, err = h.exec.Execute(ctx, def, map[string]any{"count": "three"}, RunOptions{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "wrong type")

	list, err := h.store.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, list, "invalid inputs never create an execution")
}

func TestRun_UnknownPipeline(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, err := h.exec.Run(context.Background(), "ghost", nil, RunOptions{})
	assert.True(t, schema.IsNotFound(err))
}

func TestExecute_StepFailureFiresWebhook(t *testing.T) {
	var (
		mu   sync.Mutex
		got  webhook.Payload
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		hits++
		_ = json.Unmarshal(body, &got)
	}))
	defer srv.Close()

	def := mustPipeline(t, `{"name":"remote","steps":[
	  {"id":"call","mcp":{"server":"down","tool":"deploy","arguments":{"env":"{{ inputs.env }}"}}},
	  {"id":"never","exec":{"command":"echo unreachable"}}
	],"inputs":{"env":"string"},"webhooks":{"on_failure":{"url":"`+srv.URL+`"}}}`)
	tools := &fakeTools{result: &mcpproxy.ToolResult{IsError: true, Text: "denied"}}
	h := newHarness(t, Config{}, func(d *Deps) { d.Tools = tools }, def)
	ctx := context.Background()

	events, cancel, err := h.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{schema.EventExecutionFailed}})
	require.NoError(t, err)
	defer cancel()

	exec, err := h.exec.Execute(ctx, def, map[string]any{"env": "prod"}, RunOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
	assert.Equal(t, schema.StatusFailed, exec.Status)
	assert.Equal(t, map[string]any{"env": "prod"}, tools.args)

	h.exec.deps.Notifier.Wait()
	mu.Lock()
	assert.Equal(t, 1, hits)
	assert.Equal(t, schema.EventExecutionFailed, got.Event)
	assert.Equal(t, "call", got.StepID)
	mu.Unlock()

	select {
	case evt := <-events:
		assert.Equal(t, exec.ID, evt.ExecutionID)
	case <-time.After(time.Second):
		t.Fatal("execution_failed was not published")
	}

	steps, err := h.store.GetStepsForExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1, "steps after a failure do not run")
	assert.Equal(t, schema.StatusFailed, steps[0].Status)
}

func TestExecute_TransportErrorFailsStep(t *testing.T) {
	def := mustPipeline(t, `{"name":"remote","steps":[{"id":"call","mcp":{"server":"down","tool":"x"}}]}`)
	h := newHarness(t, Config{}, func(d *Deps) { d.Tools = &fakeTools{err: errors.New("connection refused")} }, def)

	_, err := h.exec.Execute(context.Background(), def, nil, RunOptions{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
}

func TestExecute_MissingCollaboratorsAreData(t *testing.T) {
	def := mustPipeline(t, `{"name":"bare","steps":[
	  {"id":"ask","prompt":{"prompt":"summarize"}},
	  {"id":"tool","mcp":{"server":"s","tool":"t"}},
	  {"id":"wf","activate_workflow":{"workflow":"review","session_id":"abc"}}
	],"outputs":{"ask":".steps.ask.error","tool":".steps.tool.error","wf":".steps.wf.error"}}`)
	h := newHarness(t, Config{}, nil, def)

	exec, err := h.exec.Execute(context.Background(), def, nil, RunOptions{})
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal(exec.Outputs, &out))
	assert.Contains(t, out["ask"], "llm")
	assert.Contains(t, out["tool"], "mcp")
	assert.Contains(t, out["wf"], "workflow")
}

func TestExecute_ActivateWorkflowUsesExecutionSession(t *testing.T) {
	def := mustPipeline(t, `{"name":"act","steps":[{"id":"wf","activate_workflow":{"workflow":"review","variables":{"who":"{{ inputs.who }}"}}}],"inputs":{"who":"string"}}`)
	act := &fakeActivator{}
	h := newHarness(t, Config{}, func(d *Deps) { d.Workflows = act }, def)

	exec, err := h.exec.Execute(context.Background(), def, map[string]any{"who": "ana"}, RunOptions{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1/review"}, act.calls)
	assert.JSONEq(t, `{"session_id":"sess-1","workflow":"review","variables":{"who":"ana"}}`, string(exec.Outputs))
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"echo hi", []string{"echo", "hi"}},
		{"  echo   spaced  ", []string{"echo", "spaced"}},
		{`echo 'a b' "c d"`, []string{"echo", "a b", "c d"}},
		{`echo "it's"`, []string{"echo", "it's"}},
		{`echo a\ b`, []string{"echo", "a b"}},
		{`echo 'no $HOME expansion'`, []string{"echo", "no $HOME expansion"}},
		{`echo ""`, []string{"echo", ""}},
	}
	for _, tt := range tests {
		got, err := SplitCommand(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "   ", `echo 'open`, `echo trailing\`} {
		_, err := SplitCommand(bad)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), bad)
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 4}
	n, err := lw.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	n, err = lw.Write([]byte("gh"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "abcd", buf.String())
}
