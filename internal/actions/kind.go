package actions

import (
	"github.com/rendis/stepgate/pkg/schema"
)

// ActionKind enumerates the workflow actions.
type ActionKind int

const (
	KindInjectContext ActionKind = iota + 1
	KindCaptureArtifact
	KindGenerateHandoff
	KindSetVariable
	KindIncrementVariable
	KindEndWorkflow
	KindRunPipeline
	KindBlockTools
	KindUnlockTools
	KindCallMCPTool
)

var kindNames = map[ActionKind]string{
	KindInjectContext:     "inject_context",
	KindCaptureArtifact:   "capture_artifact",
	KindGenerateHandoff:   "generate_handoff",
	KindSetVariable:       "set_variable",
	KindIncrementVariable: "increment_variable",
	KindEndWorkflow:       "end_workflow",
	KindRunPipeline:       "run_pipeline",
	KindBlockTools:        "block_tools",
	KindUnlockTools:       "unlock_tools",
	KindCallMCPTool:       "call_mcp_tool",
}

func (k ActionKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Kinds returns every action kind in declaration order.
func Kinds() []ActionKind {
	out := make([]ActionKind, 0, len(kindNames))
	for k := KindInjectContext; k <= KindCallMCPTool; k++ {
		out = append(out, k)
	}
	return out
}

// ParseActionKind resolves an action name.
func ParseActionKind(name string) (ActionKind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, schema.NewErrorf(schema.ErrCodeActionUnavailable, "unknown action %q", name).
		WithDetails(map[string]any{"action": name})
}

// KindLookup reports whether an action name is known. It satisfies the
// validator's action lookup.
type KindLookup struct{}

// Has reports whether name is an action.
func (KindLookup) Has(name string) bool {
	_, err := ParseActionKind(name)
	return err == nil
}
