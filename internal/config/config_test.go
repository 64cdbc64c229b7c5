package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, `{}`)

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Server.MCPPort != 4001 {
		t.Errorf("Server.MCPPort = %d, want 4001", cfg.Server.MCPPort)
	}
	if cfg.Task.NumTurns != 6 {
		t.Errorf("Task.NumTurns = %d, want 6", cfg.Task.NumTurns)
	}
	if cfg.Task.MaxRespTime != 3*time.Minute {
		t.Errorf("Task.MaxRespTime = %v, want 3m", cfg.Task.MaxRespTime)
	}
	if cfg.Task.ConversationStartMode != "seeded-pair" {
		t.Errorf("Task.ConversationStartMode = %q, want seeded-pair", cfg.Task.ConversationStartMode)
	}
	if !cfg.Task.CheckAcceptability {
		t.Error("Task.CheckAcceptability = false, want true")
	}
	if cfg.Bot.Provider != "local" {
		t.Errorf("Bot.Provider = %q, want local", cfg.Bot.Provider)
	}
	if cfg.Bot.BaseURL != "http://localhost:11434" {
		t.Errorf("Bot.BaseURL = %q", cfg.Bot.BaseURL)
	}
	if cfg.Bot.MaxConcurrency != 2 {
		t.Errorf("Bot.MaxConcurrency = %d, want 2", cfg.Bot.MaxConcurrency)
	}
}

func TestFileValues(t *testing.T) {
	path := writeTempConfig(t, `{
		"server.port": 5000,
		"task.num_turns": 8,
		"task.max_resp_time": "2m",
		"task.conversation_start_mode": "greeting-only",
		"task.context_dataset": "wizard_of_wikipedia",
		"task.conversations_needed": "blender_90M=10,blender_3B=30",
		"bot.model_files": "blender_90M=llama3.2:1b,blender_3B=llama3.2:3b",
		"bot.max_concurrency": 4,
		"storage.data_dir": "/tmp/annotalk-test"
	}`)

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Task.NumTurns != 8 {
		t.Errorf("Task.NumTurns = %d, want 8", cfg.Task.NumTurns)
	}
	if cfg.Task.MaxRespTime != 2*time.Minute {
		t.Errorf("Task.MaxRespTime = %v, want 2m", cfg.Task.MaxRespTime)
	}
	if cfg.Task.ConversationStartMode != "greeting-only" {
		t.Errorf("Task.ConversationStartMode = %q", cfg.Task.ConversationStartMode)
	}
	if cfg.Task.ConversationsNeeded["blender_3B"] != 30 {
		t.Errorf("ConversationsNeeded = %v", cfg.Task.ConversationsNeeded)
	}
	if cfg.Bot.ModelFiles["blender_90M"] != "llama3.2:1b" {
		t.Errorf("ModelFiles = %v", cfg.Bot.ModelFiles)
	}
	if cfg.Bot.MaxConcurrency != 4 {
		t.Errorf("Bot.MaxConcurrency = %d, want 4", cfg.Bot.MaxConcurrency)
	}
	if cfg.Storage.DataDir != "/tmp/annotalk-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
}

func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `{"task.num_turns": 8}`)

	t.Setenv("ANNOTALK_TASK_NUM_TURNS", "12")
	t.Setenv("ANNOTALK_TASK_CHECK_ACCEPTABILITY", "false")
	t.Setenv("ANNOTALK_TASK_MAX_RESP_TIME", "90s")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Task.NumTurns != 12 {
		t.Errorf("Task.NumTurns = %d, want 12 (env override)", cfg.Task.NumTurns)
	}
	if cfg.Task.CheckAcceptability {
		t.Error("Task.CheckAcceptability = true, want false (env override)")
	}
	if cfg.Task.MaxRespTime != 90*time.Second {
		t.Errorf("Task.MaxRespTime = %v, want 90s", cfg.Task.MaxRespTime)
	}
}

func TestOpenAIRequiresAPIKey(t *testing.T) {
	path := writeTempConfig(t, `{"bot.provider": "openai"}`)

	t.Setenv("ANNOTALK_BOT_API_KEY", "")

	_, err := loadWith(newFileBackend(path))
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q, want it to mention missing required config", err)
	}

	t.Setenv("ANNOTALK_BOT_API_KEY", "sk-test")
	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error with key set: %v", err)
	}
	if cfg.Bot.APIKey != "sk-test" {
		t.Errorf("Bot.APIKey = %q, want sk-test", cfg.Bot.APIKey)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad start mode", `{"task.conversation_start_mode": "cold-open"}`},
		{"bad context dataset", `{"task.context_dataset": "daily_dialog"}`},
		{"unknown provider", `{"bot.provider": "bedrock"}`},
		{"zero turns", `{"task.num_turns": 0}`},
		{"zero concurrency", `{"bot.max_concurrency": 0}`},
		{"needed bot without model", `{"task.conversations_needed": "blender_90M=10"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.content)
			if _, err := loadWith(newFileBackend(path)); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestMalformedAssignments(t *testing.T) {
	path := writeTempConfig(t, `{"bot.model_files": "no-equals-sign"}`)

	if _, err := loadWith(newFileBackend(path)); err == nil {
		t.Error("expected parse error for malformed assignment")
	}
}

func TestSetKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	b := newFileBackend(path)

	if err := setKey(b, "task.num_turns", "10"); err != nil {
		t.Fatalf("setKey error: %v", err)
	}
	if err := setKey(b, "task.max_resp_time", "5m"); err != nil {
		t.Fatalf("setKey duration error: %v", err)
	}
	if err := setKey(b, "task.max_resp_time", "not-a-duration"); err == nil {
		t.Error("expected error for bad duration")
	}
	if err := setKey(b, "bot.api_key", "sk-nope"); err == nil {
		t.Error("expected error when setting a secret key")
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if cfg.Task.NumTurns != 10 {
		t.Errorf("Task.NumTurns = %d, want 10", cfg.Task.NumTurns)
	}
	if cfg.Task.MaxRespTime != 5*time.Minute {
		t.Errorf("Task.MaxRespTime = %v, want 5m", cfg.Task.MaxRespTime)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Bot.APIKey = "sk-secret"

	for _, info := range ShowAll(cfg) {
		if info.Key == "bot.api_key" {
			t.Error("ShowAll listed the secret bot.api_key")
		}
		if strings.Contains(info.Value, "sk-secret") {
			t.Errorf("ShowAll leaked secret via key %s", info.Key)
		}
	}
}
