package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/stepgate/pkg/schema"
)

// pathExpr matches plain references such as variables.task_id or steps.build.items[0].
var pathExpr = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*(\.[A-Za-z0-9_-]+|\[[0-9]+\])*$`)

// Renderer resolves {{ ... }} references in strings and nested params.
//
// A plain dotted path is looked up in the data; a missing path renders as "" inside
// text and as nil when it is the whole value. Anything else is evaluated with the
// expr engine, e.g. {{ inputs.count * 2 }} or {{ variables.name ?? "anon" }}.
// A string made of exactly one reference keeps the referenced value's type.
type Renderer struct {
	expr *ExprEngine
}

// NewRenderer creates a Renderer. A nil engine gets a private one.
func NewRenderer(engine *ExprEngine) *Renderer {
	if engine == nil {
		engine = NewExprEngine()
	}
	return &Renderer{expr: engine}
}

// HasTemplate reports whether s contains a {{ reference.
func HasTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// Render renders one string. The result is typed when tmpl is a single reference.
func (r *Renderer) Render(ctx context.Context, tmpl string, data map[string]any) (any, error) {
	if !HasTemplate(tmpl) {
		return tmpl, nil
	}
	trimmed := strings.TrimSpace(tmpl)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 {
		return r.resolve(ctx, strings.TrimSpace(trimmed[2:len(trimmed)-2]), data)
	}
	return r.RenderString(ctx, tmpl, data)
}

// RenderString renders tmpl to text. Non-string values are JSON-encoded inline.
func (r *Renderer) RenderString(ctx context.Context, tmpl string, data map[string]any) (string, error) {
	var out strings.Builder
	out.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "{{")
		if idx == -1 {
			out.WriteString(tmpl[i:])
			break
		}
		out.WriteString(tmpl[i : i+idx])
		start := i + idx + 2

		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed {{ expression").
				WithDetails(map[string]any{"template": tmpl})
		}
		end += start

		expression := strings.TrimSpace(tmpl[start:end])
		if strings.Contains(expression, "{{") {
			return "", schema.NewError(schema.ErrCodeInterpolation, "nested {{ inside an expression is not allowed").
				WithDetails(map[string]any{"template": tmpl})
		}

		val, err := r.resolve(ctx, expression, data)
		if err != nil {
			return "", err
		}
		out.WriteString(Stringify(val))
		i = end + 2
	}
	return out.String(), nil
}

// RenderValue renders strings found anywhere inside v (maps and slices are walked).
// Inputs are not modified.
func (r *Renderer) RenderValue(ctx context.Context, v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.Render(ctx, val, data)
	case map[string]any:
		return r.RenderMap(ctx, val, data)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := r.RenderValue(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := r.Render(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rendered, err := r.Render(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderMap renders every value of m into a new map.
func (r *Renderer) RenderMap(ctx context.Context, m map[string]any, data map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		rendered, err := r.RenderValue(ctx, v, data)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

// RenderStringMap renders a string map (env, headers) to strings.
func (r *Renderer) RenderStringMap(ctx context.Context, m map[string]string, data map[string]any) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, err := r.RenderString(ctx, v, data)
		if err != nil {
			return nil, err
		}
		out[k] = s
	}
	return out, nil
}

func (r *Renderer) resolve(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "empty reference: {{ }}")
	}
	if pathExpr.MatchString(expression) {
		v, _ := Lookup(data, expression)
		return v, nil
	}
	v, err := r.expr.Evaluate(ctx, expression, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "cannot render {{ %s }}: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return v, nil
}

// Lookup resolves a dotted path (with optional [n] indexes) inside data.
// A key containing dots is matched directly before the path is split.
func Lookup(data map[string]any, path string) (any, bool) {
	if v, ok := data[path]; ok {
		return v, true
	}
	var current any = data
	for _, seg := range splitPath(path) {
		next, ok := step(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func splitPath(path string) []string {
	var segs []string
	for _, part := range strings.Split(path, ".") {
		for part != "" {
			open := strings.IndexByte(part, '[')
			if open == -1 {
				segs = append(segs, part)
				break
			}
			if open > 0 {
				segs = append(segs, part[:open])
			}
			end := strings.IndexByte(part[open:], ']')
			if end == -1 {
				segs = append(segs, part[open:])
				break
			}
			segs = append(segs, part[open:open+end+1])
			part = part[open+end+1:]
		}
	}
	return segs
}

func step(current any, seg string) (any, bool) {
	if strings.HasPrefix(seg, "[") && strings.HasSuffix(seg, "]") {
		idx, err := strconv.Atoi(seg[1 : len(seg)-1])
		if err != nil {
			return nil, false
		}
		return index(current, idx)
	}
	switch v := current.(type) {
	case map[string]any:
		val, ok := v[seg]
		return val, ok
	case map[string]string:
		val, ok := v[seg]
		return val, ok
	case []any:
		// Numeric segments also index lists: steps.list.0
		if idx, err := strconv.Atoi(seg); err == nil {
			return index(v, idx)
		}
		return nil, false
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(current)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		val := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	}
	return nil, false
}

func index(current any, idx int) (any, bool) {
	rv := reflect.ValueOf(current)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if idx < 0 || idx >= rv.Len() {
		return nil, false
	}
	return rv.Index(idx).Interface(), true
}

// Stringify converts a resolved value to text: strings verbatim, nil as "",
// scalars with fmt and everything else as JSON.
func Stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int, int64, int32, uint, uint64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
