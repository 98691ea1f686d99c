// Package diagram renders pipelines and step workflows as Mermaid flowcharts.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindExec             NodeKind = "exec"
	NodeKindMCP              NodeKind = "mcp"
	NodeKindPrompt           NodeKind = "prompt"
	NodeKindSpawnSession     NodeKind = "spawn_session"
	NodeKindActivateWorkflow NodeKind = "activate_workflow"
	NodeKindWorkflowStep     NodeKind = "workflow_step"
	NodeKindStart            NodeKind = "start"
	NodeKindEnd              NodeKind = "end"
)

// Model is the intermediate representation the renderer consumes.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one step.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Gated  bool   // pipeline step behind an approval gate
	Status string // execution status of the step, or "current" for a workflow's active step
}

// Edge connects two nodes. Label carries a transition guard or "approval".
type Edge struct {
	From  string
	To    string
	Label string
}

const (
	startID = "__start__"
	endID   = "__end__"
)
