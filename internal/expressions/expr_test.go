package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepgate/pkg/schema"
)

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	tests := []struct {
		name string
		expr string
		data map[string]any
		want any
	}{
		{"arithmetic", "inputs.count * 2", map[string]any{"inputs": map[string]any{"count": 3}}, 6},
		{"boolean", "tests_pass && review_done", map[string]any{"tests_pass": true, "review_done": true}, true},
		{"undefined variable is nil", "missing == nil", nil, true},
		{"nil coalescing", `name ?? "anon"`, map[string]any{}, "anon"},
		{"string ops", `branch startsWith "feat/"`, map[string]any{"branch": "feat/x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tt.expr, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprEngine_TypesMayChangeBetweenCalls(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	got, err := e.Evaluate(ctx, "attempts > 3", map[string]any{"attempts": 4})
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = e.Evaluate(ctx, "attempts > 3", map[string]any{"attempts": 2.5})
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestExprEngine_Errors(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, "a &&& b", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	require.Error(t, e.Compile("(("))
	require.NoError(t, e.Compile("a || b"))
}

func TestEvaluateBool(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	ok, err := EvaluateBool(ctx, e, "x == 1", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateBool(ctx, e, "missing", nil)
	require.NoError(t, err)
	assert.False(t, ok, "nil result is false")

	_, err = EvaluateBool(ctx, e, `"text"`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestExprEngine_ConcurrentCache(t *testing.T) {
	e := NewExprEngine()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := e.Evaluate(context.Background(), "n + 1", map[string]any{"n": n})
			assert.NoError(t, err)
			assert.Equal(t, n+1, got)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, e.programs.len())
}

func TestExprEngine_Glob(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	data := map[string]any{"tool": map[string]any{"input": map[string]any{"file_path": "main_test.go"}}}

	got, err := e.Evaluate(ctx, `glob("*_test.go", tool.input.file_path)`, data)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = e.Evaluate(ctx, `glob("*.md", tool.input.file_path)`, data)
	require.NoError(t, err)
	assert.Equal(t, false, got)

	got, err = e.Evaluate(ctx, `glob("*.go", tool.input.missing)`, data)
	require.NoError(t, err)
	assert.Equal(t, false, got, "nil name never matches")

	_, err = e.Evaluate(ctx, `glob("[", "x")`, data)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}
