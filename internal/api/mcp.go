package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/crate/internal/query"
	"github.com/kalambet/crate/internal/similarity"
	"github.com/kalambet/crate/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   *storage.Store
	Similar *similarity.Engine
	Search  *query.Matcher
}

// NewMCPServer creates an MCP server exposing library lookups as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"crate",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("crate: local sample library. Search samples by description, find sounds similar to a sample, and inspect classifications."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_samples",
			mcp.WithDescription("Search the sample library with a free-text description such as \"dark punchy kick\"."),
			mcp.WithString("query", mcp.Description("Search text"), mcp.Required()),
			mcp.WithString("session", mcp.Description("Restrict to one import session")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchSamples(deps),
	)

	s.AddTool(
		mcp.NewTool("find_similar",
			mcp.WithDescription("Return the samples that sound most like the given sample. Requires deep analysis of the reference."),
			mcp.WithString("id", mcp.Description("Reference sample id"), mcp.Required()),
			mcp.WithString("session", mcp.Description("Restrict to one import session")),
			mcp.WithNumber("k", mcp.Description("Number of results (default 10)")),
		),
		mcpFindSimilar(deps),
	)

	s.AddTool(
		mcp.NewTool("get_sample",
			mcp.WithDescription("Return the stored classification of one sample."),
			mcp.WithString("id", mcp.Description("Sample id"), mcp.Required()),
		),
		mcpGetSample(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"crate://sessions",
			"Import Sessions",
			mcp.WithResourceDescription("Import and classification sessions with sample counts"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSessions(deps),
	)

	return s
}

func mcpSearchSamples(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := clampLimit(req.GetInt("limit", query.DefaultLimit), query.DefaultLimit, maxSearchLimit)
		scope := storage.Scope{SessionID: req.GetString("session", "")}

		results, err := deps.Search.Search(ctx, q, scope, limit)
		var empty *query.EmptyQueryError
		if errors.As(err, &empty) {
			return mcpError("query is empty"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(results)
	}
}

func mcpFindSimilar(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		k := clampLimit(req.GetInt("k", defaultSimilarK), defaultSimilarK, maxSimilarK)
		scope := storage.Scope{SessionID: req.GetString("session", "")}

		matches, err := deps.Similar.FindSimilar(ctx, id, scope, k)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(similarSamples(matches))
	}
}

func mcpGetSample(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		s, err := deps.Store.GetSample(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("sample %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading sample: %v", err)), nil
		}
		return mcpJSON(s)
	}
}

func mcpResourceSessions(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sessions, err := deps.Store.ListSessions(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}

		b, err := json.Marshal(sessions)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sessions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func clampLimit(v, def, hi int) int {
	if v <= 0 {
		return def
	}
	if v > hi {
		return hi
	}
	return v
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
