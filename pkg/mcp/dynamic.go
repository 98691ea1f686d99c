package mcp

import (
	"context"
	"log/slog"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepgate/internal/pipeline"
	"github.com/rendis/stepgate/pkg/schema"
)

// pipelineToolPrefix names the tool generated for an exposed pipeline.
const pipelineToolPrefix = "pipeline:"

// RefreshPipelineTools brings the pipeline:<name> tools in line with the
// currently loaded definitions. Call it after every definition reload.
func (s *StepgateServer) RefreshPipelineTools() {
	if s.deps.Pipelines == nil {
		return
	}
	s.toolsMu.Lock()
	defer s.toolsMu.Unlock()

	want := make(map[string]server.ServerTool)
	for _, def := range s.deps.Pipelines.ListPipelines() {
		if !def.ExposeAsTool {
			continue
		}
		st := s.pipelineTool(def)
		want[st.Tool.Name] = st
	}

	var stale []string
	for name := range s.dynamic {
		if _, ok := want[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		s.mcpServer.DeleteTools(stale...)
	}

	tools := make([]server.ServerTool, 0, len(want))
	s.dynamic = make(map[string]struct{}, len(want))
	for _, name := range schema.SortedKeys(want) {
		tools = append(tools, want[name])
		s.dynamic[name] = struct{}{}
	}
	if len(tools) > 0 {
		s.mcpServer.AddTools(tools...)
	}
	s.logger.Debug("pipeline tools refreshed",
		slog.Int("tools", len(tools)),
		slog.Int("removed", len(stale)),
	)
}

// pipelineTool builds the tool for def. Its arguments are the pipeline inputs.
func (s *StepgateServer) pipelineTool(def *schema.PipelineDefinition) server.ServerTool {
	name := def.Name
	desc := def.Description
	if desc == "" {
		desc = "Run the " + name + " pipeline"
	}
	tool := mcp.Tool{
		Name:        pipelineToolPrefix + name,
		Description: desc,
		InputSchema: InputSchema(def),
	}
	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.runPipeline(ctx, name, req.GetArguments(), pipeline.RunOptions{})
	}
	return server.ServerTool{Tool: tool, Handler: handler}
}

// InputSchema converts the definition's input JSON schema into the tool
// schema form. Inputs without a default are required.
func InputSchema(def *schema.PipelineDefinition) mcp.ToolInputSchema {
	doc := def.InputJSONSchema()
	props, _ := doc["properties"].(map[string]any)
	required, _ := doc["required"].([]string)
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}
