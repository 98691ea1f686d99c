package workflow

import (
	"time"

	"github.com/rendis/stepgate/pkg/schema"
)

// HookEvent is one agent lifecycle event for a session.
type HookEvent struct {
	Type           schema.HookType `json:"type"`
	SessionID      string          `json:"session_id"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolInput      map[string]any  `json:"tool_input,omitempty"`
	ToolOutput     any             `json:"tool_output,omitempty"`
	Prompt         string          `json:"prompt,omitempty"`
	Cwd            string          `json:"cwd,omitempty"`
	TranscriptPath string          `json:"transcript_path,omitempty"`
}

// Map is the event as seen by trigger guards.
func (ev HookEvent) Map() map[string]any {
	m := map[string]any{
		"type":       string(ev.Type),
		"session_id": ev.SessionID,
	}
	if ev.ToolName != "" {
		m["tool_name"] = ev.ToolName
	}
	if ev.ToolInput != nil {
		m["tool_input"] = ev.ToolInput
	}
	if ev.ToolOutput != nil {
		m["tool_output"] = ev.ToolOutput
	}
	if ev.Prompt != "" {
		m["prompt"] = ev.Prompt
	}
	if ev.Cwd != "" {
		m["cwd"] = ev.Cwd
	}
	return m
}

// Verdict is the outcome of a hook event for the agent.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictBlock Verdict = "block"
)

// Decision is returned to the hook caller. Context is text to inject into the
// agent conversation.
type Decision struct {
	Verdict  Verdict `json:"decision"`
	Reason   string  `json:"reason,omitempty"`
	Context  string  `json:"context,omitempty"`
	Workflow string  `json:"workflow,omitempty"`
}

// Allow returns the fail-open decision.
func Allow() Decision { return Decision{Verdict: VerdictAllow} }

// Blocked reports whether the decision blocks the tool call.
func (d Decision) Blocked() bool { return d.Verdict == VerdictBlock }

// ActivateOptions tune Activate.
type ActivateOptions struct {
	// Priority overrides the definition's priority when set.
	Priority *int
}

// InstanceStatus describes one workflow instance for status reports.
type InstanceStatus struct {
	Workflow         string              `json:"workflow"`
	Enabled          bool                `json:"enabled"`
	Priority         int                 `json:"priority"`
	Step             string              `json:"step"`
	StepEnteredAt    time.Time           `json:"step_entered_at"`
	StepActionCount  int                 `json:"step_action_count"`
	TotalActionCount int                 `json:"total_action_count"`
	Variables        map[string]any      `json:"variables"`
	Artifacts        map[string]string   `json:"artifacts,omitempty"`
	UnmetConditions  []map[string]any    `json:"unmet_conditions,omitempty"`
	Transitions      []schema.Transition `json:"transitions,omitempty"`
}

// Status is the workflow picture of one session. Session variables appear once.
type Status struct {
	SessionID        string           `json:"session_id"`
	Enabled          []InstanceStatus `json:"enabled"`
	Disabled         []InstanceStatus `json:"disabled"`
	SessionVariables map[string]any   `json:"session_variables"`
}
