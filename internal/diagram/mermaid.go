package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}
	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%q|", mermaidEscapeLabel(edge.Label))
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef cancelled fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
	b.WriteString("    classDef current fill:#1a5276,stroke:#f5b041,stroke-width:3px,color:#fff\n")

	for _, node := range model.Nodes {
		if cls := mermaidStatusClass(node.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}
	return b.String()
}

// mermaidNodeDef returns a node definition. Gated steps are drawn as
// hexagons, start and end as circles.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(firstLine(node.Label))

	switch {
	case node.Kind == NodeKindStart, node.Kind == NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	case node.Gated:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case node.Kind == NodeKindMCP:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case node.Kind == NodeKindPrompt:
		return fmt.Sprintf("%s([%q])", id, label)
	case node.Kind == NodeKindSpawnSession, node.Kind == NodeKindActivateWorkflow:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case node.Kind == NodeKindWorkflowStep:
		return fmt.Sprintf("%s(%q)", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID replaces dots, dashes and spaces with underscores.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel swaps double quotes for the #quot; entity; %q would
// otherwise emit backslash escapes Mermaid does not understand.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "#quot;")
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "running", "pending", "cancelled", "current":
		return status
	case "waiting_approval":
		return "waiting"
	default:
		return ""
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
