package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PipelineDefinition is a sequential, resumable automation graph.
type PipelineDefinition struct {
	Name           string               `json:"name"`
	Description    string               `json:"description,omitempty"`
	Inputs         map[string]InputSpec `json:"inputs,omitempty"`
	Steps          []PipelineStep       `json:"steps"`
	Outputs        map[string]string    `json:"outputs,omitempty"` // name -> jq expression over {inputs, steps}
	Webhooks       *Webhooks            `json:"webhooks,omitempty"`
	ExposeAsTool   bool                 `json:"expose_as_tool,omitempty"`
	Schedule       string               `json:"schedule,omitempty"` // cron expression
	ScheduleInputs map[string]any       `json:"schedule_inputs,omitempty"`
}

// StepIndex returns the position of the step with the given id, or -1.
func (p *PipelineDefinition) StepIndex(id string) int {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Webhooks configures best-effort notifications for pipeline lifecycle events.
type Webhooks struct {
	OnApprovalPending *WebhookEndpoint `json:"on_approval_pending,omitempty"`
	OnComplete        *WebhookEndpoint `json:"on_complete,omitempty"`
	OnFailure         *WebhookEndpoint `json:"on_failure,omitempty"`
}

// WebhookEndpoint is an HTTP target. Header values may reference ${ENV_VAR}.
type WebhookEndpoint struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // POST (default) or PUT
	Headers map[string]string `json:"headers,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

// ApprovalConfig gates a step on an out-of-band decision.
type ApprovalConfig struct {
	Required bool   `json:"required"`
	Message  string `json:"message,omitempty"`
}

// --- Inputs ---

// InputSpec declares one pipeline input.
type InputSpec struct {
	Type        string `json:"type,omitempty"` // string (default), integer, number, boolean, array, object
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	HasDefault  bool   `json:"-"`
	Enum        []any  `json:"enum,omitempty"`
}

func (s *InputSpec) UnmarshalJSON(data []byte) error {
	var typ string
	if err := json.Unmarshal(data, &typ); err == nil {
		*s = InputSpec{Type: typ}
		return nil
	}
	type plain InputSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	_, p.HasDefault = keys["default"]
	*s = InputSpec(p)
	return nil
}

func (s InputSpec) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	if s.Type != "" {
		m["type"] = s.Type
	}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if s.HasDefault {
		m["default"] = s.Default
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}
	return json.Marshal(m)
}

// InputJSONSchema derives a JSON Schema object from the declared inputs.
// Inputs without a default are required.
func (p *PipelineDefinition) InputJSONSchema() map[string]any {
	props := make(map[string]any, len(p.Inputs))
	required := []string{}
	for _, name := range SortedKeys(p.Inputs) {
		spec := p.Inputs[name]
		prop := map[string]any{"type": jsonSchemaType(spec.Type)}
		if spec.Description != "" {
			prop["description"] = spec.Description
		}
		if len(spec.Enum) > 0 {
			prop["enum"] = spec.Enum
		}
		if spec.HasDefault {
			prop["default"] = spec.Default
		} else {
			required = append(required, name)
		}
		props[name] = prop
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// ApplyInputDefaults returns a copy of inputs with declared defaults filled in.
func (p *PipelineDefinition) ApplyInputDefaults(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs)+len(p.Inputs))
	for k, v := range inputs {
		out[k] = v
	}
	for name, spec := range p.Inputs {
		if _, ok := out[name]; !ok && spec.HasDefault {
			out[name] = spec.Default
		}
	}
	return out
}

func jsonSchemaType(t string) string {
	switch t {
	case "int", "integer":
		return "integer"
	case "float", "number":
		return "number"
	case "bool", "boolean":
		return "boolean"
	case "list", "array":
		return "array"
	case "dict", "map", "object":
		return "object"
	default:
		return "string"
	}
}

// --- Steps ---

// StepKind is the tagged union of pipeline step bodies. The set of implementations
// is closed: StepExec, StepMCP, StepPrompt, StepSpawnSession, StepActivateWorkflow.
type StepKind interface {
	KindName() string
	isStepKind()
}

// StepExec runs a command without a shell.
type StepExec struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

// StepMCP calls a tool on a configured MCP server.
type StepMCP struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// StepPrompt is a one-shot LLM completion.
type StepPrompt struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
}

// StepSpawnSession starts a new agent session.
type StepSpawnSession struct {
	CLI       string         `json:"cli,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	Cwd       string         `json:"cwd,omitempty"`
	Mode      string         `json:"mode,omitempty"` // tmux (default), headless
	Title     string         `json:"title,omitempty"`
	Workflow  string         `json:"workflow,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// StepActivateWorkflow activates a workflow instance on a session.
type StepActivateWorkflow struct {
	Workflow  string         `json:"workflow"`
	SessionID string         `json:"session_id,omitempty"`
	Priority  int            `json:"priority,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

func (StepExec) KindName() string             { return "exec" }
func (StepMCP) KindName() string              { return "mcp" }
func (StepPrompt) KindName() string           { return "prompt" }
func (StepSpawnSession) KindName() string     { return "spawn_session" }
func (StepActivateWorkflow) KindName() string { return "activate_workflow" }

func (StepExec) isStepKind()             {}
func (StepMCP) isStepKind()              {}
func (StepPrompt) isStepKind()           {}
func (StepSpawnSession) isStepKind()     {}
func (StepActivateWorkflow) isStepKind() {}

// PipelineStep is one sequential unit of a pipeline.
type PipelineStep struct {
	ID       string
	Kind     StepKind
	Approval *ApprovalConfig
}

// RequiresApproval reports whether the step is gated.
func (s PipelineStep) RequiresApproval() bool {
	return s.Approval != nil && s.Approval.Required
}

type rawPipelineStep struct {
	ID               string          `json:"id"`
	Exec             json.RawMessage `json:"exec,omitempty"`
	MCP              json.RawMessage `json:"mcp,omitempty"`
	Prompt           json.RawMessage `json:"prompt,omitempty"`
	SpawnSession     json.RawMessage `json:"spawn_session,omitempty"`
	ActivateWorkflow json.RawMessage `json:"activate_workflow,omitempty"`
	Approval         *ApprovalConfig `json:"approval,omitempty"`
}

func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func (s *PipelineStep) UnmarshalJSON(data []byte) error {
	var raw rawPipelineStep
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == "" {
		return fmt.Errorf("pipeline step: missing id")
	}

	var kinds []StepKind
	if present(raw.Exec) {
		k, err := decodeExec(raw.Exec)
		if err != nil {
			return fmt.Errorf("pipeline step %q: exec: %w", raw.ID, err)
		}
		kinds = append(kinds, k)
	}
	if present(raw.MCP) {
		var k StepMCP
		if err := json.Unmarshal(raw.MCP, &k); err != nil {
			return fmt.Errorf("pipeline step %q: mcp: %w", raw.ID, err)
		}
		kinds = append(kinds, k)
	}
	if present(raw.Prompt) {
		k, err := decodePrompt(raw.Prompt)
		if err != nil {
			return fmt.Errorf("pipeline step %q: prompt: %w", raw.ID, err)
		}
		kinds = append(kinds, k)
	}
	if present(raw.SpawnSession) {
		var k StepSpawnSession
		if err := json.Unmarshal(raw.SpawnSession, &k); err != nil {
			return fmt.Errorf("pipeline step %q: spawn_session: %w", raw.ID, err)
		}
		kinds = append(kinds, k)
	}
	if present(raw.ActivateWorkflow) {
		k, err := decodeActivate(raw.ActivateWorkflow)
		if err != nil {
			return fmt.Errorf("pipeline step %q: activate_workflow: %w", raw.ID, err)
		}
		kinds = append(kinds, k)
	}

	switch len(kinds) {
	case 0:
		return fmt.Errorf("pipeline step %q: one of exec, mcp, prompt, spawn_session, activate_workflow is required", raw.ID)
	case 1:
	default:
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = k.KindName()
		}
		return fmt.Errorf("pipeline step %q: step kinds are mutually exclusive, got %v", raw.ID, names)
	}

	*s = PipelineStep{ID: raw.ID, Kind: kinds[0], Approval: raw.Approval}
	return nil
}

func (s PipelineStep) MarshalJSON() ([]byte, error) {
	m := map[string]any{"id": s.ID}
	if s.Kind != nil {
		m[s.Kind.KindName()] = s.Kind
	}
	if s.Approval != nil {
		m["approval"] = s.Approval
	}
	return json.Marshal(m)
}

func decodeExec(raw json.RawMessage) (StepExec, error) {
	var cmd string
	if err := json.Unmarshal(raw, &cmd); err == nil {
		return StepExec{Command: cmd}, nil
	}
	var k StepExec
	err := json.Unmarshal(raw, &k)
	return k, err
}

func decodePrompt(raw json.RawMessage) (StepPrompt, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return StepPrompt{Prompt: text}, nil
	}
	var k StepPrompt
	err := json.Unmarshal(raw, &k)
	return k, err
}

func decodeActivate(raw json.RawMessage) (StepActivateWorkflow, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return StepActivateWorkflow{Workflow: name}, nil
	}
	var k StepActivateWorkflow
	err := json.Unmarshal(raw, &k)
	return k, err
}
