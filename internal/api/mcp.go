package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/scout/internal/discovery"
	"github.com/kalambet/scout/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service *discovery.Service
}

// NewMCPServer creates an MCP server with the discovery tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"scout",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("scout — semantic discovery over registered databases, APIs, tools, and text-to-SQL exemplars."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("discover_resources",
			mcp.WithDescription("Semantically search the resource registry and return matching resources ranked by confidence."),
			mcp.WithString("query", mcp.Description("Free-text description of the needed capability"), mcp.Required()),
			mcp.WithNumber("max_results", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithArray("resource_types", mcp.Description("Optional filter: database, api, tool, text2sql")),
			mcp.WithNumber("min_confidence", mcp.Description("Minimum confidence score in [0,1] (default 0)")),
		),
		mcpDiscover(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_resources",
			mcp.WithDescription("Synchronize the vector index with the resource registry."),
			mcp.WithBoolean("force_full_sync", mcp.Description("Re-vectorize every active resource instead of only changed ones")),
		),
		mcpSync(deps),
	)

	s.AddTool(
		mcp.NewTool("get_statistics",
			mcp.WithDescription("Return per-type resource counts and recent synchronization operations."),
		),
		mcpStatistics(deps),
	)

	s.AddTool(
		mcp.NewTool("list_resources",
			mcp.WithDescription("List registered resources of one type."),
			mcp.WithString("resource_type", mcp.Description("One of: database, api, tool, text2sql"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of resources (default 20)")),
		),
		mcpListResources(deps),
	)

	return s
}

func mcpDiscover(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		maxResults := req.GetInt("max_results", 5)
		if maxResults <= 0 {
			maxResults = 5
		}
		if maxResults > 50 {
			maxResults = 50
		}
		resourceTypes := req.GetStringSlice("resource_types", nil)
		minConfidence := req.GetFloat("min_confidence", 0)

		result := deps.Service.Discover(ctx, query, maxResults, resourceTypes, minConfidence)
		if !result.Success {
			return mcpError(fmt.Sprintf("discover failed: %s", result.Message)), nil
		}

		type hit struct {
			ResourceID      string   `json:"resource_id"`
			Name            string   `json:"resource_name"`
			Type            string   `json:"resource_type"`
			Description     string   `json:"description"`
			Capabilities    []string `json:"capabilities,omitempty"`
			SimilarityScore float64  `json:"similarity_score"`
			ConfidenceScore float64  `json:"confidence_score"`
			Reasoning       string   `json:"reasoning"`
		}

		hits := make([]hit, len(result.Results))
		for i, m := range result.Results {
			hits[i] = hit{
				ResourceID:      m.Resource.ID,
				Name:            m.Resource.Name,
				Type:            m.Resource.Type,
				Description:     m.Resource.Description,
				Capabilities:    m.Resource.Capabilities,
				SimilarityScore: m.SimilarityScore,
				ConfidenceScore: m.ConfidenceScore,
				Reasoning:       m.Reasoning,
			}
		}

		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSync(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		full := req.GetBool("force_full_sync", false)

		result := deps.Service.Sync(ctx, full)
		if !result.Success {
			return mcpError(fmt.Sprintf("sync failed: %s", result.Message)), nil
		}

		op := result.Operation
		return mcpText(fmt.Sprintf("%s %s: created %d, updated %d, deleted %d, failed %d",
			op.Type, op.Status, op.Created, op.Updated, op.Deleted, op.Failed)), nil
	}
}

func mcpStatistics(deps MCPDeps) server.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Service.Statistics()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load statistics: %v", err)), nil
		}

		out := map[string]any{
			"per_type":          stats.PerType,
			"recent_operations": stats.RecentOperations,
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal statistics: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListResources(deps MCPDeps) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resourceType, err := req.RequireString("resource_type")
		if err != nil {
			return mcpError("resource_type is required"), nil
		}
		if !storage.ValidResourceType(resourceType) {
			return mcpError(fmt.Sprintf("unknown resource type %q", resourceType)), nil
		}

		limit := req.GetInt("limit", 20)
		resources, err := deps.Service.ListByType(resourceType, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list resources: %v", err)), nil
		}

		out := make([]resourceJSON, len(resources))
		for i, r := range resources {
			out[i] = toResourceJSON(r)
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal resources: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
