package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates lifecycle trigger guards (the `when` of a trigger rule)
// with Common Expression Language. Guards are type-checked against a fixed
// environment, so a typo in a variable name fails at load time.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// celMapVars are the map-typed variables of a trigger guard environment.
var celMapVars = []string{"event", "tool", "variables", "session_variables"}

// NewCELEngine creates a CEL engine whose environment exposes:
//   - event:             map(string, dyn), the hook event (type, tool_name, tool_input, ...)
//   - tool:              map(string, dyn), {name, input} for tool hooks
//   - variables:         map(string, dyn), the workflow variables
//   - session_variables: map(string, dyn)
//   - step:              string, the current step name
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	opts := make([]cel.EnvOption, 0, len(celMapVars)+1)
	for _, name := range celMapVars {
		opts = append(opts, cel.Variable(name, mapType))
	}
	opts = append(opts, cel.Variable("step", cel.StringType))

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program](DefaultCacheSize)}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate runs a guard. Missing map variables default to empty maps and a
// missing step to "".
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

// Compile checks that expression type-checks against the guard environment.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression, e.compile)
	return err
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError(e.Name(), expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return prg, nil
}

func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celMapVars)+1)
	for _, key := range celMapVars {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	step, _ := data["step"].(string)
	activation["step"] = step
	return activation
}

var _ Engine = (*CELEngine)(nil)
