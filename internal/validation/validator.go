// Package validation checks pipeline and workflow definitions and pipeline inputs.
//
// Validation runs in two stages: the JSON Schema of the document form, then
// semantic checks over the decoded definition. Structural errors short-circuit.
package validation

import (
	"encoding/json"

	"github.com/rendis/stepgate/internal/expressions"
	"github.com/rendis/stepgate/pkg/schema"
)

// ActionLookup reports whether an action name is known.
type ActionLookup interface {
	Has(name string) bool
}

// Validator validates definitions. It is safe for concurrent use.
type Validator struct {
	jsonSchema *JSONSchemaValidator
	expr       *expressions.ExprEngine
	cel        *expressions.CELEngine
	jq         *expressions.GoJQEngine
	actions    ActionLookup
	servers    map[string]bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithActions enables action name checks on workflows.
func WithActions(lookup ActionLookup) Option {
	return func(v *Validator) { v.actions = lookup }
}

// WithMCPServers enables server name checks on mcp steps.
func WithMCPServers(names []string) Option {
	return func(v *Validator) {
		v.servers = make(map[string]bool, len(names))
		for _, n := range names {
			v.servers[n] = true
		}
	}
}

// New creates a Validator.
func New(opts ...Option) (*Validator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	v := &Validator{
		jsonSchema: jsv,
		expr:       expressions.NewExprEngine(),
		cel:        cel,
		jq:         expressions.NewGoJQEngine(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Schemas exposes the underlying JSON Schema validator.
func (v *Validator) Schemas() *JSONSchemaValidator { return v.jsonSchema }

// ValidatePipeline runs both stages over a decoded pipeline.
func (v *Validator) ValidatePipeline(def *schema.PipelineDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("", schema.IssueRequired, "pipeline definition is nil")
		return r
	}
	result := structural(def, v.jsonSchema.ValidatePipelineDocument)
	if !result.Valid() {
		return result
	}
	result.Merge("", v.validatePipelineSemantic(def))
	return result
}

// ValidateWorkflow runs both stages over a decoded workflow.
func (v *Validator) ValidateWorkflow(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("", schema.IssueRequired, "workflow definition is nil")
		return r
	}
	result := structural(def, v.jsonSchema.ValidateWorkflowDocument)
	if !result.Valid() {
		return result
	}
	result.Merge("", v.validateWorkflowSemantic(def))
	return result
}

// ValidateInputs checks inputs against the pipeline's declared inputs.
func (v *Validator) ValidateInputs(def *schema.PipelineDefinition, inputs map[string]any) error {
	return v.jsonSchema.ValidatePipelineInputs(def, inputs)
}

// structural re-encodes def to its document form and validates it, converting
// violations into issues.
func structural(def any, validate func([]byte) error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := json.Marshal(def)
	if err != nil {
		result.AddErrorf("", schema.IssueSchema, "cannot encode definition: %s", err.Error())
		return result
	}
	err = validate(doc)
	if err == nil {
		return result
	}
	se, ok := err.(*schema.StepgateError)
	if !ok {
		result.AddError("", schema.IssueSchema, err.Error())
		return result
	}
	if violations, ok := se.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("", schema.IssueSchema, msg)
		}
		return result
	}
	result.AddError("", schema.IssueSchema, se.Message)
	return result
}
