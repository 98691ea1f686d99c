package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// WorkflowDefinition is an immutable step-workflow template.
// Loaded from YAML or JSON; steps are ordered and the first step is the entry step.
type WorkflowDefinition struct {
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	Steps            []WorkflowStep `json:"steps"`
	Variables        map[string]any `json:"variables,omitempty"`         // workflow-scoped defaults
	SessionVariables map[string]any `json:"session_variables,omitempty"` // shared across workflows on a session
	ExitCondition    string         `json:"exit_condition,omitempty"`    // expr over variables; true ends the workflow
	Triggers
}

// Triggers are lifecycle rules evaluated on every hook event regardless of the current step.
type Triggers struct {
	OnSessionStart []TriggerRule `json:"on_session_start,omitempty"`
	OnPromptSubmit []TriggerRule `json:"on_prompt_submit,omitempty"`
	OnBeforeTool   []TriggerRule `json:"on_before_tool,omitempty"`
	OnAfterTool    []TriggerRule `json:"on_after_tool,omitempty"`
	OnStop         []TriggerRule `json:"on_stop,omitempty"`
}

// HookType identifies the agent lifecycle event that triggered evaluation.
type HookType string

const (
	HookSessionStart HookType = "session_start"
	HookPromptSubmit HookType = "prompt_submit"
	HookBeforeTool   HookType = "before_tool"
	HookAfterTool    HookType = "after_tool"
	HookStop         HookType = "stop"
)

// ParseHookType accepts both "before_tool" and "on_before_tool" spellings.
func ParseHookType(s string) (HookType, error) {
	if len(s) > 3 && s[:3] == "on_" {
		s = s[3:]
	}
	switch h := HookType(s); h {
	case HookSessionStart, HookPromptSubmit, HookBeforeTool, HookAfterTool, HookStop:
		return h, nil
	}
	return "", NewErrorf(ErrCodeValidation, "unknown hook type %q", s)
}

// For returns the rules registered for the given hook type.
func (t Triggers) For(h HookType) []TriggerRule {
	switch h {
	case HookSessionStart:
		return t.OnSessionStart
	case HookPromptSubmit:
		return t.OnPromptSubmit
	case HookBeforeTool:
		return t.OnBeforeTool
	case HookAfterTool:
		return t.OnAfterTool
	case HookStop:
		return t.OnStop
	}
	return nil
}

// TriggerRule runs actions when its guard matches. For before_tool events a rule
// may also block the tool call.
type TriggerRule struct {
	When    string       `json:"when,omitempty"`  // CEL guard over event, tool, variables, step
	Tools   []string     `json:"tools,omitempty"` // restrict to these tool names
	Actions []ActionSpec `json:"actions,omitempty"`
	Block   bool         `json:"block,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

// WorkflowStep is one state of the step machine.
type WorkflowStep struct {
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	OnEnter        []ActionSpec `json:"on_enter,omitempty"`
	OnExit         []ActionSpec `json:"on_exit,omitempty"`
	AllowedTools   ToolSet      `json:"allowed_tools,omitempty"`
	BlockedTools   []string     `json:"blocked_tools,omitempty"`
	ExitConditions []Condition  `json:"exit_conditions,omitempty"`
	ExitWhen       string       `json:"exit_when,omitempty"`
	Transitions    []Transition `json:"transitions,omitempty"`
}

// Transition is an outgoing edge. The first transition whose When matches wins;
// an empty When always matches.
type Transition struct {
	To   string `json:"to"`
	When string `json:"when,omitempty"`
}

// Step returns the step with the given name and its index, or nil and -1.
func (d *WorkflowDefinition) Step(name string) (*WorkflowStep, int) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i], i
		}
	}
	return nil, -1
}

// FirstStep returns the entry step name, or "" for an empty workflow.
func (d *WorkflowDefinition) FirstStep() string {
	if len(d.Steps) == 0 {
		return ""
	}
	return d.Steps[0].Name
}

// --- ToolSet ---

// ToolSet is either "all" or an explicit list of tool names.
// The zero value allows every tool.
type ToolSet struct {
	All      bool
	Names    []string
	declared bool
}

// AllTools returns a ToolSet allowing every tool.
func AllTools() ToolSet { return ToolSet{All: true, declared: true} }

// Tools returns a ToolSet restricted to the given names.
func Tools(names ...string) ToolSet {
	return ToolSet{Names: names, declared: true}
}

// Allows reports whether tool is permitted by the set.
func (t ToolSet) Allows(tool string) bool {
	if !t.declared || t.All {
		return true
	}
	for _, n := range t.Names {
		if n == tool {
			return true
		}
	}
	return false
}

func (t *ToolSet) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ToolSet{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "all" && s != "*" {
			return fmt.Errorf("allowed_tools: expected \"all\" or a list, got %q", s)
		}
		*t = AllTools()
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("allowed_tools: %w", err)
	}
	*t = Tools(names...)
	return nil
}

func (t ToolSet) MarshalJSON() ([]byte, error) {
	if !t.declared || t.All {
		return json.Marshal("all")
	}
	if t.Names == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.Names)
}

// --- Condition ---

// ConditionUserApproval is the type of conditions satisfied by an out-of-band approval.
const ConditionUserApproval = "user_approval"

// Condition is a single exit condition. It decodes from a bare string
// (variable truthiness), {var, equals} or {type: user_approval, message, id}.
type Condition struct {
	Var       string
	Equals    any
	HasEquals bool
	Type      string
	Message   string
	ID        string
	Extra     map[string]any // remaining keys, part of the approval id
}

// IsApproval reports whether the condition waits on a user approval.
func (c Condition) IsApproval() bool { return c.Type == ConditionUserApproval }

// Map returns the condition in its map form.
func (c Condition) Map() map[string]any {
	m := make(map[string]any, len(c.Extra)+5)
	for k, v := range c.Extra {
		m[k] = v
	}
	if c.Var != "" {
		m["var"] = c.Var
	}
	if c.HasEquals {
		m["equals"] = c.Equals
	}
	if c.Type != "" {
		m["type"] = c.Type
	}
	if c.Message != "" {
		m["message"] = c.Message
	}
	if c.ID != "" {
		m["id"] = c.ID
	}
	return m
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Condition{Var: s}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("condition: expected string or object: %w", err)
	}
	out := Condition{}
	for k, v := range m {
		switch k {
		case "var", "variable":
			out.Var, _ = v.(string)
		case "equals":
			out.Equals = v
			out.HasEquals = true
		case "type":
			out.Type, _ = v.(string)
		case "message":
			out.Message, _ = v.(string)
		case "id":
			out.ID, _ = v.(string)
		default:
			if out.Extra == nil {
				out.Extra = make(map[string]any)
			}
			out.Extra[k] = v
		}
	}
	if out.Var == "" && out.Type == "" {
		return fmt.Errorf("condition: needs either var or type")
	}
	*c = out
	return nil
}

func (c Condition) MarshalJSON() ([]byte, error) {
	if c.Type == "" && !c.HasEquals && c.Message == "" && c.ID == "" && len(c.Extra) == 0 {
		return json.Marshal(c.Var)
	}
	return json.Marshal(c.Map())
}

// --- ActionSpec ---

// ActionSpec names an action and its parameters. In documents it is written flat:
//
//	- action: set_variable
//	  name: plan_ready
//	  value: true
type ActionSpec struct {
	Action string
	Params map[string]any
}

func (a *ActionSpec) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = ActionSpec{Action: s}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("action: expected string or object: %w", err)
	}
	name, _ := m["action"].(string)
	if name == "" {
		return fmt.Errorf("action: missing \"action\" key")
	}
	delete(m, "action")
	if len(m) == 0 {
		m = nil
	}
	*a = ActionSpec{Action: name, Params: m}
	return nil
}

func (a ActionSpec) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(a.Params)+1)
	for k, v := range a.Params {
		m[k] = v
	}
	m["action"] = a.Action
	return json.Marshal(m)
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
