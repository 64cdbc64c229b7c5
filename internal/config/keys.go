package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
	kCounts
	kAssignments
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ANNOTALK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "ANNOTALK_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.api_token", typ: kString, env: "ANNOTALK_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "task.num_turns", typ: kInt, env: "ANNOTALK_TASK_NUM_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Task.NumTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Task.NumTurns },
	},
	{
		key: "task.max_resp_time", typ: kDuration, env: "ANNOTALK_TASK_MAX_RESP_TIME",
		apply:   func(cfg *Config, v any) { cfg.Task.MaxRespTime = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Task.MaxRespTime },
	},
	{
		key: "task.conversation_start_mode", typ: kString, env: "ANNOTALK_TASK_CONVERSATION_START_MODE",
		apply:   func(cfg *Config, v any) { cfg.Task.ConversationStartMode = v.(string) },
		extract: func(cfg Config) any { return cfg.Task.ConversationStartMode },
	},
	{
		key: "task.context_dataset", typ: kString, env: "ANNOTALK_TASK_CONTEXT_DATASET",
		apply:   func(cfg *Config, v any) { cfg.Task.ContextDataset = v.(string) },
		extract: func(cfg Config) any { return cfg.Task.ContextDataset },
	},
	{
		key: "task.include_persona", typ: kBool, env: "ANNOTALK_TASK_INCLUDE_PERSONA",
		apply:   func(cfg *Config, v any) { cfg.Task.IncludePersona = v.(bool) },
		extract: func(cfg Config) any { return cfg.Task.IncludePersona },
	},
	{
		key: "task.check_acceptability", typ: kBool, env: "ANNOTALK_TASK_CHECK_ACCEPTABILITY",
		apply:   func(cfg *Config, v any) { cfg.Task.CheckAcceptability = v.(bool) },
		extract: func(cfg Config) any { return cfg.Task.CheckAcceptability },
	},
	{
		key: "task.conversations_needed", typ: kCounts, env: "ANNOTALK_TASK_CONVERSATIONS_NEEDED",
		apply:   func(cfg *Config, v any) { cfg.Task.ConversationsNeeded = v.(map[string]int) },
		extract: func(cfg Config) any { return formatCounts(cfg.Task.ConversationsNeeded) },
	},
	{
		key: "task.annotations_config_path", typ: kString, env: "ANNOTALK_TASK_ANNOTATIONS_CONFIG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Task.AnnotationsConfigPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Task.AnnotationsConfigPath },
	},
	{
		key: "task.contexts_path", typ: kString, env: "ANNOTALK_TASK_CONTEXTS_PATH",
		apply:   func(cfg *Config, v any) { cfg.Task.ContextsPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Task.ContextsPath },
	},
	{
		key: "task.save_folder", typ: kString, env: "ANNOTALK_TASK_SAVE_FOLDER",
		apply:   func(cfg *Config, v any) { cfg.Task.SaveFolder = v.(string) },
		extract: func(cfg Config) any { return cfg.Task.SaveFolder },
	},
	{
		key: "task.is_sandbox", typ: kBool, env: "ANNOTALK_TASK_IS_SANDBOX",
		apply:   func(cfg *Config, v any) { cfg.Task.IsSandbox = v.(bool) },
		extract: func(cfg Config) any { return cfg.Task.IsSandbox },
	},
	{
		key: "onboarding.max_onboard_time", typ: kDuration, env: "ANNOTALK_ONBOARDING_MAX_ONBOARD_TIME",
		apply:   func(cfg *Config, v any) { cfg.Onboarding.MaxOnboardTime = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Onboarding.MaxOnboardTime },
	},
	{
		key: "onboarding.min_correct", typ: kInt, env: "ANNOTALK_ONBOARDING_MIN_CORRECT",
		apply:   func(cfg *Config, v any) { cfg.Onboarding.MinCorrect = v.(int) },
		extract: func(cfg Config) any { return cfg.Onboarding.MinCorrect },
	},
	{
		key: "onboarding.max_incorrect", typ: kInt, env: "ANNOTALK_ONBOARDING_MAX_INCORRECT",
		apply:   func(cfg *Config, v any) { cfg.Onboarding.MaxIncorrect = v.(int) },
		extract: func(cfg Config) any { return cfg.Onboarding.MaxIncorrect },
	},
	{
		key: "onboarding.fail_qualification", typ: kString, env: "ANNOTALK_ONBOARDING_FAIL_QUALIFICATION",
		apply:   func(cfg *Config, v any) { cfg.Onboarding.FailQualification = v.(string) },
		extract: func(cfg Config) any { return cfg.Onboarding.FailQualification },
	},
	{
		key: "onboarding.block_qualification", typ: kString, env: "ANNOTALK_ONBOARDING_BLOCK_QUALIFICATION",
		apply:   func(cfg *Config, v any) { cfg.Onboarding.BlockQualification = v.(string) },
		extract: func(cfg Config) any { return cfg.Onboarding.BlockQualification },
	},
	{
		key: "onboarding.task_path", typ: kString, env: "ANNOTALK_ONBOARDING_TASK_PATH",
		apply:   func(cfg *Config, v any) { cfg.Onboarding.TaskPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Onboarding.TaskPath },
	},
	{
		key: "bot.provider", typ: kString, env: "ANNOTALK_BOT_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Bot.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Bot.Provider },
	},
	{
		key: "bot.base_url", typ: kString, env: "ANNOTALK_BOT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Bot.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Bot.BaseURL },
	},
	{
		key: "bot.api_key", typ: kString, env: "ANNOTALK_BOT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Bot.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Bot.APIKey },
	},
	{
		key: "bot.max_concurrency", typ: kInt, env: "ANNOTALK_BOT_MAX_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Bot.MaxConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Bot.MaxConcurrency },
	},
	{
		key: "bot.model_files", typ: kAssignments, env: "ANNOTALK_BOT_MODEL_FILES",
		apply:   func(cfg *Config, v any) { cfg.Bot.ModelFiles = v.(map[string]string) },
		extract: func(cfg Config) any { return formatAssignments(cfg.Bot.ModelFiles) },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ANNOTALK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "ANNOTALK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				bv, err := strconv.ParseBool(v)
				if err != nil {
					return fmt.Errorf("parsing bool %s=%q: %w", s.key, v, err)
				}
				s.apply(cfg, bv)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("parsing duration %s=%q: %w", s.key, v, err)
				}
				s.apply(cfg, d)
			}
		case kCounts:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				m, err := parseCounts(v)
				if err != nil {
					return fmt.Errorf("parsing %s: %w", s.key, err)
				}
				s.apply(cfg, m)
			}
		case kAssignments:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				m, err := parseAssignments(v)
				if err != nil {
					return fmt.Errorf("parsing %s: %w", s.key, err)
				}
				s.apply(cfg, m)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kCounts:
			if m, err := parseCounts(raw); err == nil {
				s.apply(cfg, m)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kAssignments:
			if m, err := parseAssignments(raw); err == nil {
				s.apply(cfg, m)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
