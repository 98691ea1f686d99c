package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepgate/pkg/schema"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a @descriptor.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// validatePipelineSemantic checks what the document schema cannot: unique step
// ids, compilable jq outputs, template syntax, the cron schedule and durations.
func (v *Validator) validatePipelineSemantic(def *schema.PipelineDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.Name == "" {
		result.AddError("name", schema.IssueRequired, "pipeline name is required")
	}
	if len(def.Steps) == 0 {
		result.AddError("steps", schema.IssueRequired, "pipeline needs at least one step")
	}

	seen := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if prev, dup := seen[step.ID]; dup {
			result.AddErrorf(path+".id", schema.IssueDuplicate, "step id %q already used by steps[%d]", step.ID, prev)
		}
		seen[step.ID] = i
		result.Merge(path, v.validatePipelineStep(step))
	}

	for _, name := range schema.SortedKeys(def.Outputs) {
		if err := v.jq.Compile(def.Outputs[name]); err != nil {
			result.AddErrorf("outputs."+name, schema.IssueBadExpression, "invalid jq expression: %s", err.Error())
		}
	}

	if def.Schedule != "" {
		if _, err := ParseSchedule(def.Schedule); err != nil {
			result.AddErrorf("schedule", schema.IssueBadSchedule, "invalid cron expression %q: %s", def.Schedule, err.Error())
		}
		for name, spec := range def.Inputs {
			if _, ok := def.ScheduleInputs[name]; !ok && !spec.HasDefault {
				result.AddErrorf("schedule_inputs."+name, schema.IssueRequired,
					"scheduled pipeline must supply input %q or declare a default", name)
			}
		}
	}

	if def.ExposeAsTool && def.Description == "" {
		result.AddWarning("description", schema.IssueRequired, "pipelines exposed as tools should have a description")
	}

	if def.Webhooks != nil {
		for path, ep := range map[string]*schema.WebhookEndpoint{
			"webhooks.on_approval_pending": def.Webhooks.OnApprovalPending,
			"webhooks.on_complete":         def.Webhooks.OnComplete,
			"webhooks.on_failure":          def.Webhooks.OnFailure,
		} {
			if ep == nil {
				continue
			}
			if !strings.HasPrefix(ep.URL, "http://") && !strings.HasPrefix(ep.URL, "https://") {
				result.AddErrorf(path+".url", schema.IssueSchema, "webhook url must be http(s), got %q", ep.URL)
			}
			checkDuration(result, path+".timeout", ep.Timeout)
		}
	}
	return result
}

func (v *Validator) validatePipelineStep(step schema.PipelineStep) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	switch k := step.Kind.(type) {
	case schema.StepExec:
		if strings.TrimSpace(k.Command) == "" {
			result.AddError("exec.command", schema.IssueRequired, "exec step needs a command")
		}
		checkTemplate(result, "exec.command", k.Command)
		checkDuration(result, "exec.timeout", k.Timeout)
	case schema.StepMCP:
		if k.Server == "" {
			result.AddError("mcp.server", schema.IssueRequired, "mcp step needs a server")
		} else if v.servers != nil && !v.servers[k.Server] {
			result.AddErrorf("mcp.server", schema.IssueUnknownReference, "mcp server %q is not configured", k.Server)
		}
		if k.Tool == "" {
			result.AddError("mcp.tool", schema.IssueRequired, "mcp step needs a tool")
		}
	case schema.StepPrompt:
		if strings.TrimSpace(k.Prompt) == "" {
			result.AddError("prompt.prompt", schema.IssueRequired, "prompt step needs a prompt")
		}
		checkTemplate(result, "prompt.prompt", k.Prompt)
	case schema.StepSpawnSession:
		if k.Mode != "" && k.Mode != "tmux" && k.Mode != "headless" {
			result.AddErrorf("spawn_session.mode", schema.IssueSchema, "mode must be tmux or headless, got %q", k.Mode)
		}
		checkTemplate(result, "spawn_session.prompt", k.Prompt)
	case schema.StepActivateWorkflow:
		if k.Workflow == "" {
			result.AddError("activate_workflow.workflow", schema.IssueRequired, "activate_workflow step needs a workflow")
		}
	case nil:
		result.AddError("", schema.IssueRequired, "step has no kind")
	}
	return result
}

func checkDuration(result *schema.ValidationResult, path, s string) {
	if s == "" {
		return
	}
	if d, err := time.ParseDuration(s); err != nil || d <= 0 {
		result.AddErrorf(path, schema.IssueSchema, "invalid duration %q", s)
	}
}

// checkTemplate reports unbalanced {{ }} markers.
func checkTemplate(result *schema.ValidationResult, path, s string) {
	if strings.Count(s, "{{") != strings.Count(s, "}}") {
		result.AddError(path, schema.IssueBadExpression, "unbalanced {{ }} in template")
	}
}
