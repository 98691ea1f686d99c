package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepgate/pkg/schema"
)

func newValidator(t *testing.T, opts ...Option) *Validator {
	t.Helper()
	v, err := New(opts...)
	require.NoError(t, err)
	return v
}

func pipeline(t *testing.T, doc string) *schema.PipelineDefinition {
	t.Helper()
	var def schema.PipelineDefinition
	require.NoError(t, json.Unmarshal([]byte(doc), &def))
	return &def
}

func issueCodes(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}

func TestValidatePipeline_Valid(t *testing.T) {
	v := newValidator(t)
	def := pipeline(t, `{
		"name": "nightly",
		"description": "nightly build",
		"schedule": "0 3 * * *",
		"inputs": {"branch": {"type": "string", "default": "main"}},
		"steps": [
			{"id": "build", "exec": "make"},
			{"id": "ask", "prompt": {"prompt": "Status of {{ inputs.branch }}?"}}
		],
		"outputs": {"code": ".steps.build.exit_code"},
		"expose_as_tool": true
	}`)
	result := v.ValidatePipeline(def)
	assert.True(t, result.Valid(), "%v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidatePipeline_DuplicateStepIDs(t *testing.T) {
	v := newValidator(t)
	def := pipeline(t, `{"name": "p", "steps": [{"id": "a", "exec": "ls"}, {"id": "a", "exec": "pwd"}]}`)
	result := v.ValidatePipeline(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[1].id", result.Errors[0].Path)
	assert.Equal(t, schema.IssueDuplicate, result.Errors[0].Code)
}

func TestValidatePipeline_SemanticErrors(t *testing.T) {
	v := newValidator(t, WithMCPServers([]string{"github"}))
	def := pipeline(t, `{
		"name": "p",
		"schedule": "every tuesday",
		"inputs": {"target": "string"},
		"steps": [
			{"id": "a", "mcp": {"server": "jira", "tool": "create"}},
			{"id": "b", "prompt": "unbalanced {{ inputs.x"}
		],
		"outputs": {"bad": ".steps | map("}
	}`)
	result := v.ValidatePipeline(def)
	codes := issueCodes(result.Errors)
	assert.Contains(t, codes, schema.IssueUnknownReference)
	assert.Contains(t, codes, schema.IssueBadExpression)
	assert.Contains(t, codes, schema.IssueBadSchedule)
	assert.Contains(t, codes, schema.IssueRequired, "scheduled run cannot supply target")
}

func TestValidatePipeline_ExposedWithoutDescriptionWarns(t *testing.T) {
	v := newValidator(t)
	def := pipeline(t, `{"name": "p", "expose_as_tool": true, "steps": [{"id": "a", "exec": "ls"}]}`)
	result := v.ValidatePipeline(def)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "description", result.Warnings[0].Path)
}

func TestValidatePipeline_StructuralShortCircuits(t *testing.T) {
	v := newValidator(t)
	def := &schema.PipelineDefinition{Name: "p"}
	result := v.ValidatePipeline(def)
	require.False(t, result.Valid())
	for _, is := range result.Errors {
		assert.Equal(t, schema.IssueSchema, is.Code)
	}
	assert.Error(t, result.ToError("p"))
}

func TestParseSchedule(t *testing.T) {
	_, err := ParseSchedule("*/5 * * * *")
	assert.NoError(t, err)
	_, err = ParseSchedule("@hourly")
	assert.NoError(t, err)
	_, err = ParseSchedule("* * *")
	assert.Error(t, err)
}
