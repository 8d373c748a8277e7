// Package config loads configuration: defaults -> TOML file -> env vars
// (env wins), the same layering the teacher codebase uses.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the full process configuration (spec §6's recognized
// environment variable table, plus a matching TOML shape for local dev).
type Config struct {
	AI       AIConfig       `toml:"ai"`
	Project  ProjectConfig  `toml:"project"`
	Webhook  WebhookConfig  `toml:"webhook"`
	Platform PlatformConfig `toml:"platform"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	PR       PRConfig       `toml:"pr"`
	Store    StoreConfig    `toml:"store"`
	Memory   MemoryConfig   `toml:"memory"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Log      LogConfig      `toml:"log"`
}

type AIConfig struct {
	Provider       string `toml:"provider"`
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	DispatcherModel string `toml:"dispatcher_model"`
	TaskModel      string `toml:"task_model"`
	MemoryModel    string `toml:"memory_model"`
	RateLimitRPM   int    `toml:"rate_limit_rpm"`
}

type ProjectConfig struct {
	Path string `toml:"path"`
}

type WebhookConfig struct {
	Port   int    `toml:"port"`
	Secret string `toml:"secret"`
}

type PlatformConfig struct {
	Name            string `toml:"name"` // "feishu" | "slack"
	FeishuAppID     string `toml:"feishu_app_id"`
	FeishuAppSecret string `toml:"feishu_app_secret"`
	SlackBotToken   string `toml:"slack_bot_token"`
	SlackAppToken   string `toml:"slack_app_token"`
}

type SandboxConfig struct {
	BaseDir      string `toml:"base_dir"`
	SetupCommand string `toml:"setup_command"`
	DockerImage  string `toml:"docker_image"`
}

type PRConfig struct {
	AutoCreate  bool   `toml:"auto_create"`
	Draft       bool   `toml:"draft"`
	GitHubToken string `toml:"github_token"`
	GitLabToken string `toml:"gitlab_token"`
}

// StoreConfig selects the TaskStore backend: the default local SQLite file,
// or an external Postgres when a DSN is set. The Memory Engine always stays
// on SQLite.
type StoreConfig struct {
	PostgresDSN string `toml:"postgres_dsn"`
}

type MemoryConfig struct {
	ExtractThreshold int `toml:"extract_threshold"`
}

// DispatchConfig mirrors internal/dispatcher.Budgets plus the memory
// retrieval knobs (spec §6's DISPATCHER_*_BUDGET_CHARS,
// DISPATCHER_MEMORY_TOP_K, DISPATCHER_MEMORY_MIN_SCORE,
// DISPATCHER_MEMORY_INDEX_MODE).
type DispatchConfig struct {
	ProjectContextBudgetChars int     `toml:"project_context_budget_chars"`
	MemoryIndexBudgetChars    int     `toml:"memory_index_budget_chars"`
	MemoryHitsBudgetChars     int     `toml:"memory_hits_budget_chars"`
	ConversationBudgetChars   int     `toml:"conversation_budget_chars"`
	NewMessageBudgetChars     int     `toml:"new_message_budget_chars"`
	MemoryTopK                int     `toml:"memory_top_k"`
	MemoryMinScore            float64 `toml:"memory_min_score"`
	MemoryIndexMode           string  `toml:"memory_index_mode"` // "always" | "auto" | "never"
	MaxToolRounds             int     `toml:"max_tool_rounds"`
}

type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Default returns a Config with every field set to its documented
// fallback.
func Default() Config {
	return Config{
		AI: AIConfig{
			Provider:        "anthropic",
			DispatcherModel: "claude-haiku-4-5",
			TaskModel:       "claude-sonnet-4-5",
			MemoryModel:     "claude-haiku-4-5",
		},
		Webhook: WebhookConfig{Port: 8787},
		Platform: PlatformConfig{
			Name: "feishu",
		},
		Sandbox: SandboxConfig{BaseDir: "data/sandboxes"},
		Memory:  MemoryConfig{ExtractThreshold: 8},
		Dispatch: DispatchConfig{
			ProjectContextBudgetChars: 2000,
			MemoryIndexBudgetChars:    1000,
			MemoryHitsBudgetChars:     3000,
			ConversationBudgetChars:   4000,
			NewMessageBudgetChars:     2000,
			MemoryTopK:                8,
			MemoryMinScore:            0.5,
			MemoryIndexMode:           "auto",
			MaxToolRounds:             4,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config: defaults -> TOML file (if present) -> env vars
// (env wins) -> derived fallbacks.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "devopsbot.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	applyEnv(&cfg)
	applyFallbacks(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flt := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}

	str("AI_PROVIDER", &cfg.AI.Provider)
	str("AI_API_KEY", &cfg.AI.APIKey)
	str("AI_BASE_URL", &cfg.AI.BaseURL)
	str("DISPATCHER_MODEL", &cfg.AI.DispatcherModel)
	str("TASK_MODEL", &cfg.AI.TaskModel)
	str("MEMORY_MODEL", &cfg.AI.MemoryModel)
	num("AI_RATE_LIMIT_RPM", &cfg.AI.RateLimitRPM)

	str("TARGET_PROJECT_PATH", &cfg.Project.Path)

	num("WEBHOOK_PORT", &cfg.Webhook.Port)
	str("WEBHOOK_SECRET", &cfg.Webhook.Secret)

	str("IM_PLATFORM", &cfg.Platform.Name)
	str("FEISHU_APP_ID", &cfg.Platform.FeishuAppID)
	str("FEISHU_APP_SECRET", &cfg.Platform.FeishuAppSecret)
	str("SLACK_BOT_TOKEN", &cfg.Platform.SlackBotToken)
	str("SLACK_APP_TOKEN", &cfg.Platform.SlackAppToken)

	str("SANDBOX_BASE_DIR", &cfg.Sandbox.BaseDir)
	str("SANDBOX_SETUP_COMMAND", &cfg.Sandbox.SetupCommand)
	str("SANDBOX_DOCKER_IMAGE", &cfg.Sandbox.DockerImage)

	boolean("AUTO_CREATE_PR", &cfg.PR.AutoCreate)
	boolean("PR_DRAFT", &cfg.PR.Draft)
	str("GITHUB_TOKEN", &cfg.PR.GitHubToken)
	str("GITLAB_TOKEN", &cfg.PR.GitLabToken)

	str("POSTGRES_DSN", &cfg.Store.PostgresDSN)

	num("MEMORY_EXTRACT_THRESHOLD", &cfg.Memory.ExtractThreshold)

	num("DISPATCHER_PROJECT_CONTEXT_BUDGET_CHARS", &cfg.Dispatch.ProjectContextBudgetChars)
	num("DISPATCHER_MEMORY_INDEX_BUDGET_CHARS", &cfg.Dispatch.MemoryIndexBudgetChars)
	num("DISPATCHER_MEMORY_HITS_BUDGET_CHARS", &cfg.Dispatch.MemoryHitsBudgetChars)
	num("DISPATCHER_CONVERSATION_BUDGET_CHARS", &cfg.Dispatch.ConversationBudgetChars)
	num("DISPATCHER_NEW_MESSAGE_BUDGET_CHARS", &cfg.Dispatch.NewMessageBudgetChars)
	num("DISPATCHER_MEMORY_TOP_K", &cfg.Dispatch.MemoryTopK)
	flt("DISPATCHER_MEMORY_MIN_SCORE", &cfg.Dispatch.MemoryMinScore)
	str("DISPATCHER_MEMORY_INDEX_MODE", &cfg.Dispatch.MemoryIndexMode)
	num("DISPATCHER_MAX_TOOL_ROUNDS", &cfg.Dispatch.MaxToolRounds)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FILE", &cfg.Log.File)
}

// applyFallbacks derives values that default to another field when unset,
// matching the teacher's "Action falls back to LLM" layering pattern.
func applyFallbacks(cfg *Config) {
	if cfg.AI.TaskModel == "" {
		cfg.AI.TaskModel = cfg.AI.DispatcherModel
	}
	if cfg.AI.MemoryModel == "" {
		cfg.AI.MemoryModel = cfg.AI.DispatcherModel
	}
	if cfg.Project.Path == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Project.Path = wd
		}
	}
}
