package loader

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepgate/internal/validation"
	"github.com/rendis/stepgate/pkg/schema"
)

const tddYAML = `
name: tdd
description: Red, green, done.
priority: 10
variables:
  writes: 0
steps:
  - name: red
    allowed_tools: [Read, Write]
    exit_conditions:
      - tests_written
    transitions:
      - to: green
  - name: green
    allowed_tools: all
    exit_conditions:
      - type: user_approval
        message: Ship it?
on_after_tool:
  - actions:
      - action: increment_variable
        name: writes
`

const deployYAML = `
description: Build and ship.
inputs:
  env:
    type: string
    default: staging
steps:
  - id: build
    exec: make build
  - id: ship
    exec: "make ship ENV={{ inputs.env }}"
    approval:
      required: true
      message: Deploy?
`

const lintJSON = `{
  "name": "lint",
  "steps": [{"id": "vet", "exec": "go vet ./..."}],
  "expose_as_tool": true
}`

type fixture struct {
	root      string
	workflows string
	pipelines string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	f := fixture{
		root:      root,
		workflows: filepath.Join(root, "workflows"),
		pipelines: filepath.Join(root, "pipelines"),
	}
	require.NoError(t, os.MkdirAll(f.workflows, 0o755))
	require.NoError(t, os.MkdirAll(f.pipelines, 0o755))
	return f
}

func (f fixture) write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newTestLoader(t *testing.T, f fixture) *Loader {
	t.Helper()
	v, err := validation.New()
	require.NoError(t, err)
	return New(Config{WorkflowsDir: f.workflows, PipelinesDir: f.pipelines}, v, nil)
}

func TestLoad_YAMLAndJSON(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.workflows, "tdd.yaml", tddYAML)
	f.write(t, f.pipelines, "deploy.yml", deployYAML)
	f.write(t, f.pipelines, "lint.json", lintJSON)
	f.write(t, f.pipelines, "README.md", "not a definition")

	l := newTestLoader(t, f)
	require.NoError(t, l.Load())
	assert.Empty(t, l.Problems())

	wf, err := l.LoadWorkflow("tdd")
	require.NoError(t, err)
	require.NotNil(t, wf)
	assert.Equal(t, 10, wf.Priority)
	require.Len(t, wf.Steps, 2)
	assert.False(t, wf.Steps[0].AllowedTools.All)
	assert.True(t, wf.Steps[0].AllowedTools.Allows("Write"))
	assert.True(t, wf.Steps[1].AllowedTools.All)
	assert.Equal(t, "tests_written", wf.Steps[0].ExitConditions[0].Var)
	assert.True(t, wf.Steps[1].ExitConditions[0].IsApproval())
	require.Len(t, wf.OnAfterTool, 1)
	assert.Equal(t, "increment_variable", wf.OnAfterTool[0].Actions[0].Action)

	deploy, err := l.LoadPipeline("deploy")
	require.NoError(t, err)
	require.NotNil(t, deploy, "name falls back to the file stem")
	assert.Equal(t, "deploy", deploy.Name)
	require.Len(t, deploy.Steps, 2)
	assert.True(t, deploy.Steps[1].RequiresApproval())
	assert.IsType(t, schema.StepExec{}, deploy.Steps[0].Kind)

	list := l.ListPipelines()
	require.Len(t, list, 2)
	assert.Equal(t, "deploy", list[0].Name)
	assert.Equal(t, "lint", list[1].Name)
	assert.True(t, list[1].ExposeAsTool)
}

func TestLoad_MissingDefinitionIsNil(t *testing.T) {
	f := newFixture(t)
	l := newTestLoader(t, f)
	require.NoError(t, l.Load())

	wf, err := l.LoadWorkflow("nope")
	assert.NoError(t, err)
	assert.Nil(t, wf)

	p, err := l.LoadPipeline("nope")
	assert.NoError(t, err)
	assert.Nil(t, p)
	assert.Empty(t, l.ListPipelines())
}

func TestLoad_MissingDirectories(t *testing.T) {
	root := t.TempDir()
	l := New(Config{
		WorkflowsDir: filepath.Join(root, "absent-w"),
		PipelinesDir: filepath.Join(root, "absent-p"),
	}, nil, nil)
	require.NoError(t, l.Load())
	assert.Empty(t, l.ListWorkflows())
}

func TestLoad_BadFilesAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.pipelines, "deploy.yaml", deployYAML)
	f.write(t, f.pipelines, "broken.yaml", "steps: [unterminated")
	f.write(t, f.pipelines, "twokinds.yaml", `
steps:
  - id: x
    exec: echo hi
    prompt: hello
`)
	f.write(t, f.pipelines, "zz-dup.yaml", "name: deploy\nsteps:\n  - id: a\n    exec: echo a\n")
	f.write(t, f.workflows, "nosteps.yaml", "name: empty\nsteps: []\n")

	l := newTestLoader(t, f)
	require.NoError(t, l.Load())

	problems := l.Problems()
	require.Len(t, problems, 4)
	paths := make([]string, 0, len(problems))
	for _, p := range problems {
		paths = append(paths, filepath.Base(p.Path))
		assert.NotEmpty(t, p.String())
	}
	assert.ElementsMatch(t, []string{"nosteps.yaml", "broken.yaml", "twokinds.yaml", "zz-dup.yaml"}, paths)

	p, err := l.LoadPipeline("deploy")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Len(t, p.Steps, 2, "the first deploy definition wins")

	wf, _ := l.LoadWorkflow("empty")
	assert.Nil(t, wf)
}

func TestLoad_ReloadSwapsAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.pipelines, "deploy.yaml", deployYAML)
	l := newTestLoader(t, f)

	var reloads atomic.Int32
	l.OnReload(func() { reloads.Add(1) })

	require.NoError(t, l.Load())
	require.NoError(t, os.Remove(filepath.Join(f.pipelines, "deploy.yaml")))
	f.write(t, f.pipelines, "lint.json", lintJSON)
	require.NoError(t, l.Load())

	assert.Equal(t, int32(2), reloads.Load())
	p, _ := l.LoadPipeline("deploy")
	assert.Nil(t, p)
	p, _ = l.LoadPipeline("lint")
	assert.NotNil(t, p)
}

func TestDecode_NonStringKeys(t *testing.T) {
	def, err := DecodePipeline([]byte("name: codes\nsteps:\n  - id: a\n    exec: echo\nschedule_inputs:\n  1: one\n"), ".yaml")
	require.NoError(t, err)
	assert.Equal(t, "one", def.ScheduleInputs["1"])

	_, err = DecodeWorkflow([]byte(""), ".yaml")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestIsDefinitionFile(t *testing.T) {
	cases := map[string]bool{
		"a.yaml":      true,
		"a.YML":       true,
		"a.json":      true,
		"a.md":        false,
		".a.yaml":     false,
		"a.yaml~":     false,
		"dir/b.yml":   true,
		"dir/.swp.js": false,
	}
	for path, want := range cases {
		assert.Equal(t, want, IsDefinitionFile(path), path)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	f := newFixture(t)
	l := newTestLoader(t, f)
	require.NoError(t, l.Load())

	reloaded := make(chan struct{}, 8)
	l.OnReload(func() { reloaded <- struct{}{} })

	w := NewWatcher(l, 20*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register its directories.
	time.Sleep(50 * time.Millisecond)
	f.write(t, f.pipelines, "lint.json", lintJSON)

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload")
	}
	require.Eventually(t, func() bool {
		p, _ := l.LoadPipeline("lint")
		return p != nil
	}, 3*time.Second, 20*time.Millisecond)
}
