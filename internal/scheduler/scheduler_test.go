package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepgate/internal/pipeline"
	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/pkg/schema"
)

// mockScheduleStore satisfies store.ScheduleStore for scheduler tests.
type mockScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]*store.PipelineSchedule
}

func newMockScheduleStore() *mockScheduleStore {
	return &mockScheduleStore{schedules: make(map[string]*store.PipelineSchedule)}
}

func (m *mockScheduleStore) UpsertSchedule(_ context.Context, sched *store.PipelineSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sched
	if prev, ok := m.schedules[sched.PipelineName]; ok {
		cp.LastRunAt = prev.LastRunAt
		cp.LastRunStatus = prev.LastRunStatus
	}
	m.schedules[sched.PipelineName] = &cp
	return nil
}

func (m *mockScheduleStore) GetSchedule(_ context.Context, name string) (*store.PipelineSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.schedules[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", name)
	}
	cp := *sc
	return &cp, nil
}

func (m *mockScheduleStore) ListSchedules(_ context.Context, enabledOnly bool) ([]*store.PipelineSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.PipelineSchedule
	for _, sc := range m.schedules {
		if enabledOnly && !sc.Enabled {
			continue
		}
		cp := *sc
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockScheduleStore) UpdateScheduleRun(_ context.Context, name string, update store.ScheduleRunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.schedules[name]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", name)
	}
	last := update.LastRunAt
	sc.LastRunAt = &last
	sc.NextRunAt = update.NextRunAt
	sc.LastRunStatus = update.LastRunStatus
	return nil
}

func (m *mockScheduleStore) DeleteSchedule(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, name)
	return nil
}

// mockRunner tracks Start calls.
type mockRunner struct {
	mu      sync.Mutex
	calls   []runCall
	err     error
	defs    []*schema.PipelineDefinition
	expired int
	sweeps  int
}

type runCall struct {
	Name   string
	Inputs map[string]any
}

func (r *mockRunner) Start(_ context.Context, name string, inputs map[string]any, _ pipeline.RunOptions) (*store.PipelineExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{Name: name, Inputs: inputs})
	if r.err != nil {
		return nil, r.err
	}
	return &store.PipelineExecution{ID: "exec-" + name, PipelineName: name}, nil
}

func (r *mockRunner) ListPipelines() []*schema.PipelineDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defs
}

func (r *mockRunner) ExpireStale(context.Context, time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps++
	return r.expired, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s store.ScheduleStore, runner PipelineRunner) *Scheduler {
	return NewScheduler(s, runner, time.Hour, slog.Default())
}

func addSchedule(t *testing.T, ms *mockScheduleStore, name, cronExpr string, enabled bool, next *time.Time) {
	t.Helper()
	require.NoError(t, ms.UpsertSchedule(context.Background(), &store.PipelineSchedule{
		PipelineName:   name,
		CronExpression: cronExpr,
		Enabled:        enabled,
		NextRunAt:      next,
	}))
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockScheduleStore(), &mockRunner{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickRunsDueSchedules(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.UpsertSchedule(ctx, &store.PipelineSchedule{
		PipelineName:   "nightly",
		CronExpression: "0 * * * *",
		Inputs:         map[string]any{"env": "staging"},
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, "nightly", runner.calls[0].Name)
	assert.Equal(t, "staging", runner.calls[0].Inputs["env"])
	assert.Equal(t, 1, runner.sweeps)

	got, err := ms.GetSchedule(ctx, "nightly")
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
	assert.Equal(t, StatusStarted, got.LastRunStatus)
}

func TestTickSkipsNotDueAndDisabled(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	future := time.Now().UTC().Add(time.Hour)
	past := time.Now().UTC().Add(-time.Hour)
	addSchedule(t, ms, "later", "0 * * * *", true, &future)
	addSchedule(t, ms, "off", "0 * * * *", false, &past)

	sched.tick(context.Background())

	assert.Equal(t, 0, runner.callCount())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	addSchedule(t, ms, "fresh", "0 * * * *", true, nil)
	sched.tick(context.Background())

	assert.Equal(t, 1, runner.callCount())
}

func TestRunStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"started", nil, StatusStarted},
		{"paused", &schema.ApprovalRequired{ExecutionID: "e1", StepID: "ship", Token: "tok"}, StatusWaitingApproval},
		{"failed", assert.AnError, StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := newMockScheduleStore()
			runner := &mockRunner{err: tt.err}
			sched := newTestScheduler(ms, runner)
			past := time.Now().UTC().Add(-time.Minute)
			addSchedule(t, ms, "p", "*/5 * * * *", true, &past)

			sched.tick(context.Background())

			got, err := ms.GetSchedule(context.Background(), "p")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.LastRunStatus)
			assert.NotNil(t, got.NextRunAt)
		})
	}
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()

	past := time.Now().UTC().Add(-2 * time.Hour)
	addSchedule(t, ms, "cleanup", "0 * * * *", true, &past)

	require.NoError(t, sched.RecoverMissed(ctx))
	assert.Equal(t, 1, runner.callCount())

	got, err := ms.GetSchedule(ctx, "cleanup")
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))

	// Already caught up.
	require.NoError(t, sched.RecoverMissed(ctx))
	assert.Equal(t, 1, runner.callCount())
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	addSchedule(t, ms, "deploy", "0 * * * *", true, &past)

	require.True(t, sched.tryAcquire("deploy"))
	sched.tick(ctx)
	assert.Equal(t, 0, runner.callCount())

	sched.release("deploy")
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestSync(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{defs: []*schema.PipelineDefinition{
		{Name: "nightly", Schedule: "0 3 * * *", ScheduleInputs: map[string]any{"env": "prod"}},
		{Name: "manual"},
		{Name: "broken", Schedule: "not a cron"},
	}}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()

	stale := time.Now().UTC().Add(time.Hour)
	addSchedule(t, ms, "retired", "0 * * * *", true, &stale)

	require.NoError(t, sched.Sync(ctx))

	all, err := ms.ListSchedules(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	nightly := all[0]
	assert.Equal(t, "nightly", nightly.PipelineName)
	assert.Equal(t, "0 3 * * *", nightly.CronExpression)
	assert.Equal(t, "prod", nightly.Inputs["env"])
	assert.True(t, nightly.Enabled)
	require.NotNil(t, nightly.NextRunAt)
	assert.Equal(t, 3, nightly.NextRunAt.Hour())

	// An unchanged schedule keeps its next run, a changed one is recomputed.
	pinned := time.Date(2030, 1, 1, 3, 0, 0, 0, time.UTC)
	ms.schedules["nightly"].NextRunAt = &pinned
	require.NoError(t, sched.Sync(ctx))
	got, _ := ms.GetSchedule(ctx, "nightly")
	assert.Equal(t, pinned, *got.NextRunAt)

	runner.defs[0].Schedule = "30 4 * * *"
	require.NoError(t, sched.Sync(ctx))
	got, _ = ms.GetSchedule(ctx, "nightly")
	assert.Equal(t, "30 4 * * *", got.CronExpression)
	assert.NotEqual(t, pinned, *got.NextRunAt)
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(newMockScheduleStore(), &mockRunner{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

func TestRunBlocksUntilCancelled(t *testing.T) {
	runner := &mockRunner{expired: 2}
	sched := newTestScheduler(newMockScheduleStore(), runner)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.sweeps > 0
	}, time.Second, 10*time.Millisecond, "the first tick runs immediately")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
