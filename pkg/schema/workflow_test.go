package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tddWorkflow = `{
	"name": "tdd",
	"priority": 10,
	"variables": {"tests_written": false},
	"steps": [
		{
			"name": "red",
			"allowed_tools": ["Read", "Write"],
			"blocked_tools": ["Bash"],
			"on_enter": [{"action": "inject_context", "source": "skills", "filter": "testing"}],
			"exit_conditions": ["tests_written", {"type": "user_approval", "message": "Tests ok?"}],
			"transitions": [{"to": "green"}]
		},
		{"name": "green", "allowed_tools": "all"}
	],
	"on_before_tool": [{"when": "tool.name == \"Bash\"", "block": true, "reason": "no shell"}]
}`

func TestWorkflowDefinition_Decode(t *testing.T) {
	var def WorkflowDefinition
	require.NoError(t, json.Unmarshal([]byte(tddWorkflow), &def))

	assert.Equal(t, "red", def.FirstStep())
	red, idx := def.Step("red")
	require.NotNil(t, red)
	assert.Equal(t, 0, idx)

	assert.True(t, red.AllowedTools.Allows("Read"))
	assert.False(t, red.AllowedTools.Allows("Edit"))
	require.Len(t, red.OnEnter, 1)
	assert.Equal(t, "inject_context", red.OnEnter[0].Action)
	assert.Equal(t, map[string]any{"source": "skills", "filter": "testing"}, red.OnEnter[0].Params)

	require.Len(t, red.ExitConditions, 2)
	assert.Equal(t, "tests_written", red.ExitConditions[0].Var)
	assert.True(t, red.ExitConditions[1].IsApproval())

	green, _ := def.Step("green")
	assert.True(t, green.AllowedTools.Allows("anything"))

	rules := def.For(HookBeforeTool)
	require.Len(t, rules, 1)
	assert.True(t, rules[0].Block)
	assert.Empty(t, def.For(HookStop))

	missing, idx := def.Step("blue")
	assert.Nil(t, missing)
	assert.Equal(t, -1, idx)
}

func TestToolSet(t *testing.T) {
	var zero ToolSet
	assert.True(t, zero.Allows("x"), "undeclared allows all")

	var ts ToolSet
	require.NoError(t, json.Unmarshal([]byte(`"*"`), &ts))
	assert.True(t, ts.All)
	assert.Error(t, json.Unmarshal([]byte(`"some"`), &ts))

	require.NoError(t, json.Unmarshal([]byte(`[]`), &ts))
	assert.False(t, ts.Allows("Read"), "empty list allows nothing")
	b, _ := json.Marshal(ts)
	assert.Equal(t, `[]`, string(b))
}

func TestCondition_RoundTrip(t *testing.T) {
	for _, doc := range []string{
		`"plan_ready"`,
		`{"var":"count","equals":3}`,
		`{"type":"user_approval","message":"ok?","scope":"deploy"}`,
	} {
		var c Condition
		require.NoError(t, json.Unmarshal([]byte(doc), &c))
		b, err := json.Marshal(c)
		require.NoError(t, err)
		assert.JSONEq(t, doc, string(b))
	}

	var c Condition
	assert.Error(t, json.Unmarshal([]byte(`{"message":"only"}`), &c))
	require.NoError(t, json.Unmarshal([]byte(`{"variable":"x","equals":null}`), &c))
	assert.True(t, c.HasEquals)
	assert.Nil(t, c.Equals)
}

func TestActionSpec_Decode(t *testing.T) {
	var a ActionSpec
	require.NoError(t, json.Unmarshal([]byte(`"generate_handoff"`), &a))
	assert.Equal(t, ActionSpec{Action: "generate_handoff"}, a)

	assert.Error(t, json.Unmarshal([]byte(`{"name":"x"}`), &a))
}

func TestParseHookType(t *testing.T) {
	h, err := ParseHookType("on_after_tool")
	require.NoError(t, err)
	assert.Equal(t, HookAfterTool, h)

	_, err = ParseHookType("on_magic")
	assert.True(t, IsCode(err, ErrCodeValidation))
}
