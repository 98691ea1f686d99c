package diagram

import (
	"fmt"

	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/pkg/schema"
)

// FromPipeline builds the linear chain of a pipeline. When steps are given, each
// node carries the status of the latest record for its step id.
func FromPipeline(def *schema.PipelineDefinition, steps []*store.StepExecution) *Model {
	latest := make(map[string]*store.StepExecution, len(steps))
	for _, st := range steps {
		prev, ok := latest[st.StepID]
		if !ok || !st.CreatedAt.Before(prev.CreatedAt) {
			latest[st.StepID] = st
		}
	}

	m := &Model{Title: "pipeline " + def.Name}
	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	prev := startID
	for _, step := range def.Steps {
		node := &Node{
			ID:    step.ID,
			Label: pipelineLabel(step),
			Kind:  pipelineKind(step.Kind),
			Gated: step.RequiresApproval(),
		}
		if st, ok := latest[step.ID]; ok {
			node.Status = string(st.Status)
		}
		m.Nodes = append(m.Nodes, node)

		edge := Edge{From: prev, To: step.ID}
		if node.Gated {
			edge.Label = "approval"
		}
		m.Edges = append(m.Edges, edge)
		prev = step.ID
	}

	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	m.Edges = append(m.Edges, Edge{From: prev, To: endID})
	return m
}

// FromWorkflow builds the transition graph of a step workflow. Steps without
// outgoing transitions lead to the end node. current, when set, marks the
// session's active step.
func FromWorkflow(def *schema.WorkflowDefinition, current string) *Model {
	m := &Model{Title: "workflow " + def.Name}
	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	if first := def.FirstStep(); first != "" {
		m.Edges = append(m.Edges, Edge{From: startID, To: first})
	}
	for _, step := range def.Steps {
		node := &Node{ID: step.Name, Label: workflowLabel(step), Kind: NodeKindWorkflowStep}
		if step.Name == current {
			node.Status = "current"
		}
		m.Nodes = append(m.Nodes, node)

		if len(step.Transitions) == 0 {
			m.Edges = append(m.Edges, Edge{From: step.Name, To: endID})
			continue
		}
		for _, tr := range step.Transitions {
			m.Edges = append(m.Edges, Edge{From: step.Name, To: tr.To, Label: tr.When})
		}
	}

	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	return m
}

func pipelineKind(k schema.StepKind) NodeKind {
	if k == nil {
		return NodeKindExec
	}
	return NodeKind(k.KindName())
}

func pipelineLabel(step schema.PipelineStep) string {
	switch k := step.Kind.(type) {
	case schema.StepMCP:
		return fmt.Sprintf("%s: %s/%s", step.ID, k.Server, k.Tool)
	case schema.StepActivateWorkflow:
		return fmt.Sprintf("%s: %s", step.ID, k.Workflow)
	case nil:
		return step.ID
	}
	return fmt.Sprintf("%s (%s)", step.ID, step.Kind.KindName())
}

func workflowLabel(step schema.WorkflowStep) string {
	if step.Description == "" {
		return step.Name
	}
	return step.Name + "\n" + step.Description
}
