package expressions

import (
	"context"
	"fmt"
	"path"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang expressions: step exit_when, transition when,
// the workflow exit_condition and non-path template expressions. Programs are
// compiled without a typed environment, so variables may change type between
// calls and undefined variables evaluate to nil.
//
// Besides the expr builtins it provides glob(pattern, name), which matches
// name against a path.Match pattern, e.g. glob("*.go", tool.input.file_path).
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates an ExprEngine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program](DefaultCacheSize)}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.get(expression, compileExpr)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

// Compile checks that expression parses.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.programs.get(expression, compileExpr)
	return err
}

func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.Function("glob", globFunc),
	)
	if err != nil {
		return nil, compileError("expr", expression, err)
	}
	return prg, nil
}

// globFunc backs glob(pattern, name). A nil name never matches.
func globFunc(params ...any) (any, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("glob expects 2 arguments, got %d", len(params))
	}
	pattern, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("glob pattern must be a string, got %T", params[0])
	}
	name, ok := params[1].(string)
	if !ok {
		return false, nil
	}
	return path.Match(pattern, name)
}

var _ Engine = (*ExprEngine)(nil)
