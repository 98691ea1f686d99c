package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/stepgate/pkg/schema"
)

// Engine evaluates expressions against a data map.
// Three implementations: Expr (exit and transition logic, template fallback),
// CEL (lifecycle trigger guards) and GoJQ (pipeline output mapping).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool evaluates expression and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s expression %q must return a boolean, got %s", e.Name(), expression, fmt.Sprintf("%T", out)).
			WithDetails(map[string]any{"expression": expression})
	}
}
