// Package config loads the collection configuration from a JSON config
// file with ANNOTALK_* environment overrides.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Task       TaskConfig
	Onboarding OnboardingConfig
	Bot        BotConfig
	Storage    StorageConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
	// APIToken, when set, gates the worker-facing API behind bearer auth.
	APIToken string
}

// TaskConfig controls one live conversation between a worker and a bot.
type TaskConfig struct {
	// NumTurns is the minimum number of completed turn pairs before the
	// worker may end the conversation.
	NumTurns int
	// MaxRespTime bounds how long we wait for a human response.
	MaxRespTime time.Duration
	// ConversationStartMode is "seeded-pair" or "greeting-only".
	ConversationStartMode string
	// ContextDataset names the persona/seed source: convai2,
	// empathetic_dialogues, or wizard_of_wikipedia.
	ContextDataset     string
	IncludePersona     bool
	CheckAcceptability bool
	// ConversationsNeeded maps bot identity to the number of completed
	// conversations still wanted from it, e.g. "blender_90M=10,blender_3B=30".
	ConversationsNeeded map[string]int
	// AnnotationsConfigPath points at the JSON file describing the per-turn
	// annotation buckets shown to the worker.
	AnnotationsConfigPath string
	// ContextsPath points at a JSON array of persona/seed bundles; empty uses
	// a small built-in pool.
	ContextsPath string
	SaveFolder   string
	IsSandbox    bool
}

type OnboardingConfig struct {
	MaxOnboardTime time.Duration
	MinCorrect     int
	MaxIncorrect   int
	// FailQualification is granted (value 0) to workers who fail onboarding,
	// keeping them out of future runs.
	FailQualification string
	// BlockQualification is granted (value 1) to workers whose conversations
	// violate acceptability rules.
	BlockQualification string
	// TaskPath points at the JSON onboarding script; empty uses the built-in
	// default task.
	TaskPath string
}

type BotConfig struct {
	// Provider is "local" or "openai".
	Provider string
	BaseURL  string
	APIKey   string
	// MaxConcurrency caps simultaneous in-flight bot inference calls across
	// all conversations.
	MaxConcurrency int
	// ModelFiles maps bot identity to the model name passed to the inference
	// backend, e.g. "blender_90M=llama3.2:1b".
	ModelFiles map[string]string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4000,
			MCPPort: 4001,
		},
		Task: TaskConfig{
			NumTurns:              6,
			MaxRespTime:           3 * time.Minute,
			ConversationStartMode: "seeded-pair",
			ContextDataset:        "convai2",
			IncludePersona:        false,
			CheckAcceptability:    true,
			ConversationsNeeded:   map[string]int{},
			SaveFolder:            "transcripts",
			IsSandbox:             false,
		},
		Onboarding: OnboardingConfig{
			MaxOnboardTime:     10 * time.Minute,
			MinCorrect:         4,
			MaxIncorrect:       0,
			FailQualification:  "onboarding_failed",
			BlockQualification: "acceptability_blocked",
		},
		Bot: BotConfig{
			Provider:       "local",
			BaseURL:        "http://localhost:11434",
			MaxConcurrency: 2,
			ModelFiles:     map[string]string{},
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/annotalk/config.json, then applies ANNOTALK_* environment
// overrides. Secrets (the bot API key) come from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Task.NumTurns < 1 {
		return fmt.Errorf("task.num_turns must be at least 1, got %d", cfg.Task.NumTurns)
	}
	switch cfg.Task.ConversationStartMode {
	case "seeded-pair", "greeting-only":
	default:
		return fmt.Errorf("unknown task.conversation_start_mode %q", cfg.Task.ConversationStartMode)
	}
	switch cfg.Task.ContextDataset {
	case "", "convai2", "empathetic_dialogues", "wizard_of_wikipedia":
	default:
		return fmt.Errorf("unknown task.context_dataset %q", cfg.Task.ContextDataset)
	}
	switch cfg.Bot.Provider {
	case "local":
	case "openai":
		if cfg.Bot.APIKey == "" {
			return fmt.Errorf("missing required config: bot API key for provider %q. "+
				"Set it via environment variable ANNOTALK_BOT_API_KEY", cfg.Bot.Provider)
		}
	default:
		return fmt.Errorf("unknown bot.provider %q", cfg.Bot.Provider)
	}
	if cfg.Bot.MaxConcurrency < 1 {
		return fmt.Errorf("bot.max_concurrency must be at least 1, got %d", cfg.Bot.MaxConcurrency)
	}
	for bot := range cfg.Task.ConversationsNeeded {
		if _, ok := cfg.Bot.ModelFiles[bot]; !ok {
			return fmt.Errorf("bot %q listed in task.conversations_needed has no entry in bot.model_files", bot)
		}
	}
	return nil
}

// parseAssignments parses "key=value,key=value" lists used for the
// conversations-needed and model-files maps.
func parseAssignments(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, val, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed assignment %q, want key=value", pair)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	return out, nil
}

func parseCounts(raw string) (map[string]int, error) {
	pairs, err := parseAssignments(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(pairs))
	for k, v := range pairs {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("count for %q: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, ",")
}

func formatAssignments(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, m[k]))
	}
	return strings.Join(parts, ",")
}
