package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"annotalk/internal/stats"
	"annotalk/internal/storage"
)

func newMCPDeps(t *testing.T) MCPDeps {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Store:           store,
		RunStats:        stats.NewRunStats(),
		OnboardOutcomes: stats.NewHistogram(),
		Roster:          stats.NewRoster(map[string]int{"blender_3B": 5}),
	}
}

func toolRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func textContent(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("tool result has no content")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return tc.Text
}

func TestMCPGetRun(t *testing.T) {
	deps := newMCPDeps(t)

	run := storage.Run{
		ConversationID: "conv-9",
		BotName:        "blender_3B",
		WorkerID:       "w1",
		FilePath:       "/tmp/x.json",
		NumTurns:       6,
	}
	if err := deps.Store.SaveRun(run); err != nil {
		t.Fatalf("SaveRun error: %v", err)
	}

	handler := mcpGetRun(deps)
	res, err := handler(context.Background(), toolRequest(map[string]any{"conversation_id": "conv-9"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool returned error: %s", textContent(t, res))
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(textContent(t, res)), &decoded); err != nil {
		t.Fatalf("decoding tool output: %v", err)
	}
	if decoded["bot_name"] != "blender_3B" {
		t.Errorf("bot_name = %v, want blender_3B", decoded["bot_name"])
	}
}

func TestMCPGetRunNotFound(t *testing.T) {
	deps := newMCPDeps(t)

	handler := mcpGetRun(deps)
	res, err := handler(context.Background(), toolRequest(map[string]any{"conversation_id": "missing"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Error("expected error result for missing run")
	}
}

func TestMCPRunStats(t *testing.T) {
	deps := newMCPDeps(t)
	deps.RunStats.Increment("blender_3B")

	handler := mcpRunStats(deps)
	res, err := handler(context.Background(), toolRequest(nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	text := textContent(t, res)
	if !strings.Contains(text, "blender_3B") {
		t.Errorf("stats output missing bot identity: %s", text)
	}

	var decoded struct {
		Remaining map[string]int `json:"remaining"`
	}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		t.Fatalf("decoding tool output: %v", err)
	}
	if decoded.Remaining["blender_3B"] != 5 {
		t.Errorf("remaining = %v, want blender_3B:5", decoded.Remaining)
	}
}

func TestMCPOnboardingStats(t *testing.T) {
	deps := newMCPDeps(t)
	deps.OnboardOutcomes.Observe("ONBOARD_SUCCESS")
	if err := deps.Store.SaveOnboarding(storage.OnboardingResult{WorkerID: "w1", Status: "ONBOARD_FAIL"}); err != nil {
		t.Fatal(err)
	}

	handler := mcpOnboardingStats(deps)
	res, err := handler(context.Background(), toolRequest(nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var decoded struct {
		Persisted map[string]int `json:"persisted"`
		Session   map[string]int `json:"session"`
	}
	if err := json.Unmarshal([]byte(textContent(t, res)), &decoded); err != nil {
		t.Fatalf("decoding tool output: %v", err)
	}
	if decoded.Persisted["ONBOARD_FAIL"] != 1 {
		t.Errorf("persisted = %v", decoded.Persisted)
	}
	if decoded.Session["ONBOARD_SUCCESS"] != 1 {
		t.Errorf("session = %v", decoded.Session)
	}
}
