package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepgate/pkg/schema"
)

func templateData() map[string]any {
	return map[string]any{
		"variables": map[string]any{"task_id": "T-7", "count": 3, "tags": []any{"a", "b"}},
		"session_id": "sess-1",
		"steps":      map[string]any{"build": map[string]any{"items": []any{map[string]any{"name": "x"}}}},
		"file.name":  "dotted",
	}
}

func TestRenderer_Render(t *testing.T) {
	r := NewRenderer(nil)
	ctx := context.Background()
	data := templateData()

	tests := []struct {
		name string
		tmpl string
		want any
	}{
		{"no template", "plain text", "plain text"},
		{"single reference keeps type", "{{ variables.count }}", 3},
		{"single reference list", "{{variables.tags}}", []any{"a", "b"}},
		{"interpolated text", "task {{ variables.task_id }} in {{ session_id }}", "task T-7 in sess-1"},
		{"missing path whole value", "{{ variables.nope }}", nil},
		{"missing path in text", "x={{ variables.nope }}", "x="},
		{"index path", "{{ steps.build.items[0].name }}", "x"},
		{"dotted key", "{{ file.name }}", "dotted"},
		{"expression fallback", "{{ variables.count * 2 }}", 6},
		{"list in text is JSON", "tags: {{ variables.tags }}", `tags: ["a","b"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Render(ctx, tt.tmpl, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderer_Errors(t *testing.T) {
	r := NewRenderer(nil)
	ctx := context.Background()

	_, err := r.Render(ctx, "hello {{ name", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInterpolation))

	_, err = r.Render(ctx, "{{ }}", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInterpolation))

	_, err = r.RenderString(ctx, "a {{ x &&& }} b", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInterpolation))
}

func TestRenderer_RenderValueNested(t *testing.T) {
	r := NewRenderer(nil)
	params := map[string]any{
		"name":  "{{ variables.task_id }}",
		"list":  []any{"{{ session_id }}", 5},
		"inner": map[string]any{"n": "{{ variables.count }}"},
		"argv":  []string{"echo", "{{ variables.task_id }}"},
	}
	out, err := r.RenderMap(context.Background(), params, templateData())
	require.NoError(t, err)

	assert.Equal(t, "T-7", out["name"])
	assert.Equal(t, []any{"sess-1", 5}, out["list"])
	assert.Equal(t, map[string]any{"n": 3}, out["inner"])
	assert.Equal(t, []any{"echo", "T-7"}, out["argv"])
	assert.Equal(t, "{{ variables.task_id }}", params["name"], "input is not modified")
}

func TestRenderer_RenderStringMap(t *testing.T) {
	r := NewRenderer(nil)
	out, err := r.RenderStringMap(context.Background(), map[string]string{"TASK": "{{ variables.count }}"}, templateData())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TASK": "3"}, out)
}

func TestLookup(t *testing.T) {
	data := templateData()

	v, ok := Lookup(data, "steps.build.items.0.name")
	require.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = Lookup(data, "steps.build.items[5]")
	assert.False(t, ok)

	_, ok = Lookup(data, "variables.task_id.deeper")
	assert.False(t, ok)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "1.5", Stringify(1.5))
	assert.Equal(t, "42", Stringify(42))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": 1}))
}
