package validation

import (
	"fmt"

	"github.com/rendis/stepgate/pkg/schema"
)

// validateWorkflowSemantic checks step names, transition targets, action names and
// the expressions a workflow carries. Unreachable steps are warnings.
func (v *Validator) validateWorkflowSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.Name == "" {
		result.AddError("name", schema.IssueRequired, "workflow name is required")
	}
	if len(def.Steps) == 0 {
		result.AddError("steps", schema.IssueRequired, "workflow needs at least one step")
		return result
	}

	names := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		if prev, dup := names[step.Name]; dup {
			result.AddErrorf(fmt.Sprintf("steps[%d].name", i), schema.IssueDuplicate,
				"step %q already declared at steps[%d]", step.Name, prev)
			continue
		}
		names[step.Name] = i
	}

	for i := range def.Steps {
		result.Merge(fmt.Sprintf("steps[%d]", i), v.validateWorkflowStep(&def.Steps[i], names))
	}

	if def.ExitCondition != "" {
		if err := v.expr.Compile(def.ExitCondition); err != nil {
			result.AddErrorf("exit_condition", schema.IssueBadExpression, "invalid expression: %s", err.Error())
		}
	}

	hooks := []schema.HookType{
		schema.HookSessionStart, schema.HookPromptSubmit, schema.HookBeforeTool,
		schema.HookAfterTool, schema.HookStop,
	}
	for _, h := range hooks {
		for j, rule := range def.Triggers.For(h) {
			path := fmt.Sprintf("on_%s[%d]", h, j)
			if rule.When != "" && v.cel != nil {
				if err := v.cel.Compile(rule.When); err != nil {
					result.AddErrorf(path+".when", schema.IssueBadExpression, "invalid CEL guard: %s", err.Error())
				}
			}
			if rule.Block && h != schema.HookBeforeTool {
				result.AddWarning(path+".block", schema.IssueSchema, "block only applies to on_before_tool rules")
			}
			v.checkActions(result, path+".actions", rule.Actions)
		}
	}

	for _, name := range unreachableSteps(def) {
		_, idx := def.Step(name)
		result.AddWarning(fmt.Sprintf("steps[%d]", idx), schema.IssueUnreachable,
			fmt.Sprintf("step %q is not reachable from %q", name, def.FirstStep()))
	}
	return result
}

func (v *Validator) validateWorkflowStep(step *schema.WorkflowStep, names map[string]int) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if step.Name == "" {
		result.AddError("name", schema.IssueRequired, "step name is required")
	}

	v.checkActions(result, "on_enter", step.OnEnter)
	v.checkActions(result, "on_exit", step.OnExit)

	for j, t := range step.Transitions {
		path := fmt.Sprintf("transitions[%d]", j)
		if _, ok := names[t.To]; !ok {
			result.AddErrorf(path+".to", schema.IssueUnknownReference, "transition to unknown step %q", t.To)
		}
		if t.When != "" {
			if err := v.expr.Compile(t.When); err != nil {
				result.AddErrorf(path+".when", schema.IssueBadExpression, "invalid expression: %s", err.Error())
			}
		}
	}

	if step.ExitWhen != "" {
		if err := v.expr.Compile(step.ExitWhen); err != nil {
			result.AddErrorf("exit_when", schema.IssueBadExpression, "invalid expression: %s", err.Error())
		}
	}
	for j, c := range step.ExitConditions {
		if c.Type != "" && !c.IsApproval() {
			result.AddWarning(fmt.Sprintf("exit_conditions[%d].type", j), schema.IssueSchema,
				fmt.Sprintf("unknown condition type %q never holds", c.Type))
		}
	}
	return result
}

func (v *Validator) checkActions(result *schema.ValidationResult, path string, specs []schema.ActionSpec) {
	if v.actions == nil {
		return
	}
	for i, a := range specs {
		if !v.actions.Has(a.Action) {
			result.AddErrorf(fmt.Sprintf("%s[%d].action", path, i), schema.IssueUnknownAction,
				"unknown action %q", a.Action)
		}
	}
}

// unreachableSteps walks transitions from the first step. A step without declared
// transitions falls through to the next step in order.
func unreachableSteps(def *schema.WorkflowDefinition) []string {
	visited := make(map[string]bool, len(def.Steps))
	queue := []string{def.FirstStep()}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true
		step, idx := def.Step(name)
		if step == nil {
			continue
		}
		if len(step.Transitions) == 0 {
			if idx+1 < len(def.Steps) {
				queue = append(queue, def.Steps[idx+1].Name)
			}
			continue
		}
		for _, t := range step.Transitions {
			queue = append(queue, t.To)
		}
	}

	var out []string
	for _, s := range def.Steps {
		if !visited[s.Name] {
			out = append(out, s.Name)
		}
	}
	return out
}
