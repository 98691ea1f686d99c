// Package conditions evaluates step exit conditions against workflow variables.
// Evaluation is pure: no I/O, deterministic for a given input.
package conditions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/rendis/stepgate/internal/expressions"
	"github.com/rendis/stepgate/pkg/schema"
)

// nonSemanticKeys never contribute to an approval id.
var nonSemanticKeys = []string{"message", "id", "description"}

// ApprovalID returns the stable id of an approval condition. An explicit id wins;
// otherwise the id is "approval_" plus the first 12 hex chars of the SHA-256 of the
// condition map (non-semantic keys stripped) encoded with sorted keys.
func ApprovalID(c schema.Condition) string {
	if c.ID != "" {
		return c.ID
	}
	m := c.Map()
	for _, k := range nonSemanticKeys {
		delete(m, k)
	}
	// encoding/json writes map keys in sorted order.
	b, err := json.Marshal(m)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", m))
	}
	sum := sha256.Sum256(b)
	return "approval_" + hex.EncodeToString(sum[:])[:12]
}

// ApprovalFlag is the variable that records a granted approval.
func ApprovalFlag(id string) string {
	return "_approval_" + id + "_granted"
}

// ConditionID is the name a condition result is exposed under in exit_when.
func ConditionID(c schema.Condition) string {
	if c.IsApproval() {
		return ApprovalID(c)
	}
	if c.ID != "" {
		return c.ID
	}
	return c.Var
}

// Check resolves one condition against variables.
func Check(c schema.Condition, variables map[string]any) bool {
	if c.IsApproval() {
		return Truthy(variables[ApprovalFlag(ApprovalID(c))])
	}
	if c.Type != "" && c.Var == "" {
		// Unknown condition types without a variable never hold.
		return false
	}
	v, ok := variables[c.Var]
	if c.HasEquals {
		if !ok {
			return c.Equals == nil
		}
		return LooseEqual(v, c.Equals)
	}
	return Truthy(v)
}

// Results returns the per-condition booleans in order.
func Results(conds []schema.Condition, variables map[string]any) []bool {
	out := make([]bool, len(conds))
	for i, c := range conds {
		out[i] = Check(c, variables)
	}
	return out
}

// Unmet returns the conditions that do not currently hold.
func Unmet(conds []schema.Condition, variables map[string]any) []schema.Condition {
	var out []schema.Condition
	for _, c := range conds {
		if !Check(c, variables) {
			out = append(out, c)
		}
	}
	return out
}

// Evaluator combines condition results, optionally through an exit_when expression.
type Evaluator struct {
	expr *expressions.ExprEngine
}

// NewEvaluator creates an Evaluator. A nil engine gets a private one.
func NewEvaluator(engine *expressions.ExprEngine) *Evaluator {
	if engine == nil {
		engine = expressions.NewExprEngine()
	}
	return &Evaluator{expr: engine}
}

// Evaluate reports whether the step may exit. Without exitWhen the result is the AND
// of all conditions (true for an empty list). With exitWhen, the expression sees the
// variables plus each result as c0..cN, conditions[i] and under its ConditionID.
func (e *Evaluator) Evaluate(conds []schema.Condition, variables map[string]any, exitWhen string) (bool, error) {
	results := Results(conds, variables)
	if exitWhen == "" {
		for _, r := range results {
			if !r {
				return false, nil
			}
		}
		return true, nil
	}

	out, err := e.expr.Evaluate(context.Background(), exitWhen, ExitEnv(conds, results, variables))
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// ExitEnv builds the exit_when environment.
func ExitEnv(conds []schema.Condition, results []bool, variables map[string]any) map[string]any {
	env := make(map[string]any, len(variables)+2*len(results)+1)
	for k, v := range variables {
		env[k] = v
	}
	list := make([]any, len(results))
	for i, r := range results {
		list[i] = r
		env[fmt.Sprintf("c%d", i)] = r
		if id := ConditionID(conds[i]); id != "" {
			env[id] = r
		}
	}
	env["conditions"] = list
	return env
}

// Truthy reports the truthiness of a variable value: nil, false, zero numbers and
// empty strings, slices and maps are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// LooseEqual compares values with numeric kinds unified, so 3 == 3.0.
func LooseEqual(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
