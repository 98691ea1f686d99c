package workflow

import (
	"path"
	"strings"

	"github.com/rendis/stepgate/internal/actions"
	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/pkg/schema"
)

// gate returns a block reason, or "" when the tool may run. The lifecycle
// variables blocked_tools and unlocked_tools (workflow or session scope)
// override the step's lists.
func (e *Engine) gate(def *schema.WorkflowDefinition, st *store.WorkflowState, sessionVars map[string]any, tool string) string {
	if matchAny(e.deps.ExemptTools, tool) {
		return ""
	}
	if matchAny(toolVar(st, sessionVars, actions.VarBlockedTools), tool) {
		return "tool " + tool + " is blocked by workflow " + def.Name
	}
	if matchAny(toolVar(st, sessionVars, actions.VarUnlockedTools), tool) {
		return ""
	}
	step, _ := def.Step(st.Step)
	if step == nil {
		return ""
	}
	if matchAny(step.BlockedTools, tool) {
		return "tool " + tool + " is blocked in step " + step.Name + " of workflow " + def.Name
	}
	if !step.AllowedTools.Allows(tool) && !matchAny(step.AllowedTools.Names, tool) {
		return "tool " + tool + " is not allowed in step " + step.Name + " of workflow " + def.Name
	}
	return ""
}

// toolVar merges a tool-list variable from both scopes.
func toolVar(st *store.WorkflowState, sessionVars map[string]any, name string) []string {
	var out []string
	out = append(out, actions.ToolList(st.Variables[name])...)
	return append(out, actions.ToolList(sessionVars[name])...)
}

func containsTool(tools []string, name string) bool {
	return name != "" && matchAny(tools, name)
}

// matchAny reports whether tool equals or glob-matches one of patterns.
func matchAny(patterns []string, tool string) bool {
	for _, p := range patterns {
		if p == tool {
			return true
		}
		if strings.ContainsAny(p, "*?[") {
			if ok, _ := path.Match(p, tool); ok {
				return true
			}
		}
	}
	return false
}
