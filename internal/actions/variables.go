package actions

import (
	"context"
	"log/slog"

	"github.com/rendis/stepgate/pkg/schema"
)

const scopeSession = "session"

// variableName reads the target name. "name" wins over "variable".
func variableName(ac *ActionContext, action string, params map[string]any) (string, error) {
	name := stringParam(params, "name", "")
	alias := stringParam(params, "variable", "")
	switch {
	case name != "" && alias != "" && name != alias:
		ac.Logger.Warn(action+": both name and variable given, using name",
			slog.String("name", name),
			slog.String("variable", alias),
		)
	case name == "":
		name = alias
	}
	if name == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: name is required", action)
	}
	return name, nil
}

func (e *Executor) setVariable(ctx context.Context, ac *ActionContext, params map[string]any) (*Result, error) {
	name, err := variableName(ac, KindSetVariable.String(), params)
	if err != nil {
		return nil, err
	}
	value := params["value"]

	if stringParam(params, "scope", "") == scopeSession {
		if err := e.writeSessionVar(ctx, ac, name, value); err != nil {
			return nil, err
		}
	} else {
		ac.State.Variables[name] = value
	}
	return &Result{Data: map[string]any{"name": name, "value": value}}, nil
}

func (e *Executor) incrementVariable(ctx context.Context, ac *ActionContext, params map[string]any) (*Result, error) {
	name, err := variableName(ac, KindIncrementVariable.String(), params)
	if err != nil {
		return nil, err
	}
	by := floatParam(params, "amount", floatParam(params, "by", 1))
	session := stringParam(params, "scope", "") == scopeSession

	current := ac.State.Variables[name]
	if session {
		current = ac.SessionVariables[name]
	}
	base, ok := toFloat(current)
	if !ok && current != nil {
		ac.Logger.Warn("increment_variable: non-numeric value reset to 0",
			slog.String("name", name),
			slog.Any("value", current),
		)
	}
	value := base + by

	if session {
		if err := e.writeSessionVar(ctx, ac, name, value); err != nil {
			return nil, err
		}
	} else {
		ac.State.Variables[name] = value
	}
	return &Result{Data: map[string]any{"name": name, "value": value}}, nil
}

// writeSessionVar persists one session variable and mirrors it into the
// action context.
func (e *Executor) writeSessionVar(ctx context.Context, ac *ActionContext, name string, value any) error {
	if e.deps.Store != nil {
		merged, err := e.deps.Store.MergeSessionVariables(ctx, ac.SessionID, map[string]any{name: value})
		if err != nil {
			return err
		}
		ac.SessionVariables = merged
		return nil
	}
	if ac.SessionVariables == nil {
		ac.SessionVariables = map[string]any{}
	}
	ac.SessionVariables[name] = value
	return nil
}

// blockTools adds tools to the blocked_tools variable and removes them from
// unlocked_tools.
func (e *Executor) blockTools(_ context.Context, ac *ActionContext, params map[string]any) (*Result, error) {
	tools := stringSliceParam(params, "tools")
	if len(tools) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "block_tools: tools is required")
	}
	blocked := addTools(ac.State.Variables[VarBlockedTools], tools)
	ac.State.Variables[VarBlockedTools] = blocked
	ac.State.Variables[VarUnlockedTools] = removeTools(ac.State.Variables[VarUnlockedTools], tools)
	return &Result{Data: map[string]any{VarBlockedTools: blocked}}, nil
}

// unlockTools is the inverse of blockTools.
func (e *Executor) unlockTools(_ context.Context, ac *ActionContext, params map[string]any) (*Result, error) {
	tools := stringSliceParam(params, "tools")
	if len(tools) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "unlock_tools: tools is required")
	}
	unlocked := addTools(ac.State.Variables[VarUnlockedTools], tools)
	ac.State.Variables[VarUnlockedTools] = unlocked
	ac.State.Variables[VarBlockedTools] = removeTools(ac.State.Variables[VarBlockedTools], tools)
	return &Result{Data: map[string]any{VarUnlockedTools: unlocked}}, nil
}

// ToolList reads a tool-list variable in any of its stored shapes.
func ToolList(v any) []string {
	return toStringSlice(v)
}

func addTools(current any, tools []string) []any {
	seen := make(map[string]bool)
	var out []any
	all := append(append([]string{}, ToolList(current)...), tools...)
	for _, t := range all {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func removeTools(current any, tools []string) []any {
	drop := make(map[string]bool, len(tools))
	for _, t := range tools {
		drop[t] = true
	}
	out := []any{}
	for _, t := range ToolList(current) {
		if !drop[t] {
			out = append(out, t)
		}
	}
	return out
}
