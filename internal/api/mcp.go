package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"annotalk/internal/stats"
	"annotalk/internal/storage"
)

// MCPDeps holds dependencies for the monitoring MCP server.
type MCPDeps struct {
	Store           *storage.Store
	RunStats        *stats.RunStats
	OnboardOutcomes *stats.Histogram
	Roster          *stats.Roster
}

// NewMCPServer creates an MCP server exposing collection progress: per-bot
// run counts, onboarding outcomes, and individual run lookups.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"annotalk",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("annotalk — monitoring for the human/bot conversation collection service."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("run_stats",
			mcp.WithDescription("Completed conversation counts per bot identity, plus remaining quota."),
		),
		mcpRunStats(deps),
	)

	s.AddTool(
		mcp.NewTool("onboarding_stats",
			mcp.WithDescription("Onboarding session counts per terminal status."),
		),
		mcpOnboardingStats(deps),
	)

	s.AddTool(
		mcp.NewTool("get_run",
			mcp.WithDescription("Look up one finished conversation by its conversation id."),
			mcp.WithString("conversation_id", mcp.Description("Conversation id to fetch"), mcp.Required()),
		),
		mcpGetRun(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"annotalk://runs/recent",
			"Recent Runs",
			mcp.WithResourceDescription("Last 20 finished conversations"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentRuns(deps),
	)

	return s
}

func mcpRunStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		counts, err := deps.Store.RunCountsByBot()
		if err != nil {
			return mcpError(fmt.Sprintf("reading run counts: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"completed_persisted": counts,
			"completed_session":   deps.RunStats.Snapshot(),
			"remaining":           deps.Roster.Remaining(),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpOnboardingStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		persisted, err := deps.Store.OnboardingCounts()
		if err != nil {
			return mcpError(fmt.Sprintf("reading onboarding counts: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"persisted": persisted,
			"session":   deps.OnboardOutcomes.Snapshot(),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}

		run, err := deps.Store.GetRun(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no run with conversation id %q", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("fetching run: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"conversation_id": run.ConversationID,
			"bot_name":        run.BotName,
			"worker_id":       run.WorkerID,
			"file_path":       run.FilePath,
			"violations":      run.Violations,
			"num_turns":       run.NumTurns,
			"created_at":      run.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal run: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecentRuns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Store.ListRuns(20)
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}

		type runSummary struct {
			ConversationID string `json:"conversation_id"`
			BotName        string `json:"bot_name"`
			NumTurns       int    `json:"num_turns"`
			Violations     string `json:"violations,omitempty"`
			CreatedAt      string `json:"created_at"`
		}

		summaries := make([]runSummary, len(runs))
		for i, r := range runs {
			summaries[i] = runSummary{
				ConversationID: r.ConversationID,
				BotName:        r.BotName,
				NumTurns:       r.NumTurns,
				Violations:     r.Violations,
				CreatedAt:      r.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
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
