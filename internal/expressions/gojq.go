package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/rendis/stepgate/pkg/schema"
)

// jqVariables are bound from the top-level keys of the input, so a pipeline's
// outputs may be written as `.steps.build.stdout` or `$steps.build.stdout`.
var jqVariables = []string{"$inputs", "$steps", "$execution"}

// GoJQEngine evaluates jq expressions, chiefly the `outputs` mapping of a
// pipeline against the execution context {inputs, steps, env, execution}.
// $ENV is empty: definitions cannot read the daemon's environment.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

// NewGoJQEngine creates a GoJQEngine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache[*gojq.Code](DefaultCacheSize)}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs a jq expression with data as input. A single output is returned
// directly, several are collected into []any and none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	code, err := e.programs.get(expression, compileJQ)
	if err != nil {
		return nil, err
	}

	input, err := normalizeForJQ(data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq input for %q is not JSON: %s", expression, err.Error()).
			WithCause(err)
	}
	values := make([]any, len(jqVariables))
	for i, name := range jqVariables {
		values[i] = input[name[1:]]
	}

	iter := code.RunWithContext(ctx, input, values...)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, evalError(e.Name(), expression, err)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// MapOutputs evaluates each name -> expression pair of mapping against data.
// Names are evaluated in sorted order so the first failure is deterministic.
func (e *GoJQEngine) MapOutputs(ctx context.Context, mapping map[string]string, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(mapping))
	for _, name := range schema.SortedKeys(mapping) {
		v, err := e.Evaluate(ctx, mapping[name], data)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "output %q: %s", name, err.Error()).WithCause(err)
		}
		out[name] = v
	}
	return out, nil
}

// Compile checks that expression parses.
func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.programs.get(expression, compileJQ)
	return err
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	code, err := gojq.Compile(query,
		gojq.WithVariables(jqVariables),
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	return code, nil
}

// normalizeForJQ converts arbitrary Go values into the JSON types gojq accepts
// (map[string]any, []any, float64, string, bool, nil). Already-native input is
// passed through without a round trip.
func normalizeForJQ(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	if jqNative(data) {
		return data, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func jqNative(v any) bool {
	switch val := v.(type) {
	case nil, string, bool, float64, int:
		return true
	case map[string]any:
		for _, x := range val {
			if !jqNative(x) {
				return false
			}
		}
		return true
	case []any:
		for _, x := range val {
			if !jqNative(x) {
				return false
			}
		}
		return true
	}
	return false
}

var _ Engine = (*GoJQEngine)(nil)
