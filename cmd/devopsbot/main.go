// Command devopsbot wires the Dispatcher, Task Runner, Sandbox Manager and
// IM adapter into one running process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	core "github.com/xxxxxccc/devops-bot-sub000"
	"github.com/xxxxxccc/devops-bot-sub000/frontend/feishu"
	"github.com/xxxxxccc/devops-bot-sub000/frontend/slack"
	"github.com/xxxxxccc/devops-bot-sub000/internal/config"
	"github.com/xxxxxccc/devops-bot-sub000/internal/dispatcher"
	"github.com/xxxxxccc/devops-bot-sub000/internal/executor"
	"github.com/xxxxxccc/devops-bot-sub000/internal/httpapi"
	"github.com/xxxxxccc/devops-bot-sub000/internal/memory"
	"github.com/xxxxxccc/devops-bot-sub000/internal/sandbox"
	"github.com/xxxxxccc/devops-bot-sub000/internal/task"
	"github.com/xxxxxccc/devops-bot-sub000/internal/toolregistry"
	"github.com/xxxxxccc/devops-bot-sub000/observer"
	"github.com/xxxxxccc/devops-bot-sub000/provider/anthropic"
	"github.com/xxxxxccc/devops-bot-sub000/provider/openai"
	"github.com/xxxxxccc/devops-bot-sub000/store/postgres"
	"github.com/xxxxxccc/devops-bot-sub000/store/sqlite"
	"github.com/xxxxxccc/devops-bot-sub000/tools/data"
	"github.com/xxxxxccc/devops-bot-sub000/tools/file"
	httptool "github.com/xxxxxccc/devops-bot-sub000/tools/http"
	"github.com/xxxxxccc/devops-bot-sub000/tools/knowledge"
	"github.com/xxxxxccc/devops-bot-sub000/tools/remember"
	"github.com/xxxxxccc/devops-bot-sub000/tools/schedule"
	"github.com/xxxxxccc/devops-bot-sub000/tools/search"
	"github.com/xxxxxccc/devops-bot-sub000/tools/shell"
	"github.com/xxxxxccc/devops-bot-sub000/tools/skill"
)

// embeddingModel/embeddingDims are fixed rather than configurable: the
// embedding column width is baked into the sqlite schema at Init time, so
// switching models at runtime would silently corrupt vector search.
const (
	embeddingModel = "text-embedding-3-small"
	embeddingDims  = 1536

	defaultShellTimeoutSec = 300
)

func main() {
	cfg := config.Load(os.Getenv("DEVOPSBOT_CONFIG"))
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("devopsbot exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	dbPath := filepath.Join(cfg.Sandbox.BaseDir, "..", "devopsbot.db")
	if cfg.Project.Path != "" {
		dbPath = filepath.Join(cfg.Project.Path, ".devopsbot", "devopsbot.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}

	sqlStore := sqlite.New(dbPath, sqlite.WithLogger(logger))
	if err := sqlStore.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	memStore := sqlite.NewMemoryStore(sqlStore.DB(), sqlite.WithMemoryLogger(logger))
	if err := memStore.Init(ctx); err != nil {
		return fmt.Errorf("memory store init: %w", err)
	}

	// Tasks/follow-ups/skills can live in an external Postgres; the Memory
	// Engine stays on SQLite either way (its FTS/vector layout is
	// SQLite-specific).
	var store core.TaskStore = sqlStore
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		defer pool.Close()
		pg := postgres.New(pool)
		if err := pg.Init(ctx); err != nil {
			return fmt.Errorf("postgres init: %w", err)
		}
		store = pg
		logger.Info("task store backed by postgres")
	}

	chatLLM, embedding := buildProviders(cfg)
	chatLLM = core.WithRetry(chatLLM)
	if cfg.AI.RateLimitRPM > 0 {
		chatLLM = core.WithRateLimit(chatLLM, core.RPM(cfg.AI.RateLimitRPM))
	}

	var inst *observer.Instruments
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, nil)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer shutdown(context.Background())
		chatLLM = observer.WrapProvider(chatLLM, cfg.AI.TaskModel, inst)
		embedding = observer.WrapEmbedding(embedding, embeddingModel, inst)
		logger.Info("otel observability enabled")
	}

	extractor := &memory.Extractor{
		Provider: chatLLM,
		Model:    cfg.AI.MemoryModel,
		Memory:   memStore,
		Embed:    embedding,
		Logger:   logger,
	}

	sandboxes := sandbox.New(sandbox.Config{
		RepoPath:     cfg.Project.Path,
		BaseDir:      cfg.Sandbox.BaseDir,
		SetupCommand: cfg.Sandbox.SetupCommand,
		DockerImage:  cfg.Sandbox.DockerImage,
		AutoCreatePR: cfg.PR.AutoCreate,
		Draft:        cfg.PR.Draft,
		GitHubToken:  cfg.PR.GitHubToken,
		GitLabToken:  cfg.PR.GitLabToken,
		Logger:       logger,
	})

	globalTools := newGlobalRegistry(cfg, store, memStore, embedding)
	dispatchTools := newDispatcherRegistry(store, memStore, embedding, cfg.Project.Path)
	projectCtx := newProjectContextFunc()

	var taskRunner *task.Runner
	newExecutor := func(sb core.Sandbox, sink core.OutputSink) task.Executor {
		t, err := store.GetTask(ctx, sb.TaskID)
		chatID, createdBy := "", ""
		if err == nil {
			chatID = t.Metadata["chat_id"]
			createdBy = t.CreatedBy
		} else {
			logger.Warn("task metadata lookup failed, building executor without chat/creator scope", "task_id", sb.TaskID, "err", err)
		}

		taskTools := newTaskRegistry(globalTools, cfg, store, memStore, embedding, sb, chatID, createdBy)

		execCfg := executor.Config{
			Provider:       chatLLM,
			Model:          cfg.AI.TaskModel,
			SystemPrompt:   taskSystemPrompt(),
			Tools:          toolregistry.Definitions(taskTools.GetAll()),
			Runner:         taskTools,
			MaxIterations:  50,
			MaxExtensions:  3,
			MaxContextToks: 150_000,
			Output:         sink,
			Logger:         logger,
		}
		var exec task.Executor = &sessionExecutor{cfg: execCfg}
		if inst != nil {
			exec = observer.WrapExecutor(exec, sb.TaskID, inst)
		}
		return exec
	}

	hub := httpapi.NewHub()
	mux := http.NewServeMux()

	platform, err := buildPlatform(cfg, mux)
	if err != nil {
		return err
	}

	disp := dispatcher.New(dispatcher.Config{
		Provider:    chatLLM,
		Model:       cfg.AI.DispatcherModel,
		Tools:       toolregistry.Definitions(dispatchTools.GetAll()),
		Runner:      dispatchTools,
		Memory:      memStore,
		ProjectCtx:  projectCtx,
		ProjectPath: cfg.Project.Path,
		Platform:    platform,
		Enqueue: func(ctx context.Context, taskID, prompt, createdBy string, metadata map[string]string) error {
			return taskRunner.RunTask(ctx, taskID, prompt, createdBy, metadata)
		},
		Extract: func(ctx context.Context, conv core.Conversation, createdBy string) {
			if _, err := extractor.ExtractConversation(ctx, conv, createdBy); err != nil {
				logger.Warn("conversation extraction failed", "chat_id", conv.ChatID, "err", err)
			}
		},
		Budgets: dispatcher.Budgets{
			ProjectContextChars: cfg.Dispatch.ProjectContextBudgetChars,
			MemoryIndexChars:    cfg.Dispatch.MemoryIndexBudgetChars,
			MemorySectionChars:  cfg.Dispatch.MemoryHitsBudgetChars,
			RecentChatChars:     cfg.Dispatch.ConversationBudgetChars,
			NewMessageChars:     cfg.Dispatch.NewMessageBudgetChars,
			MemoryTopK:          cfg.Dispatch.MemoryTopK,
			MemoryMinScore:      cfg.Dispatch.MemoryMinScore,
			MemoryIndexMode:     dispatcher.MemoryIndexMode(cfg.Dispatch.MemoryIndexMode),
		},
		MaxToolRounds:    cfg.Dispatch.MaxToolRounds,
		ExtractThreshold: cfg.Memory.ExtractThreshold,
		Logger:           logger,
	})

	taskRunner = task.New(store, memStore, sandboxes, newExecutor, platform,
		task.WithLogger(logger), task.WithEventHook(hub.Publish),
		task.WithExtractor(extractor), task.WithProjectPath(cfg.Project.Path))

	api := httpapi.New(store, taskRunner, hub, cfg.Webhook.Secret,
		filepath.Join(filepath.Dir(dbPath), "uploads"), logger)
	mux.Handle("/", api.Handler())

	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Webhook.Port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		taskRunner.Start(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("http surface listening", "port", cfg.Webhook.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http surface failed", "err", err)
		}
	}()

	followUps := task.NewFollowUpScheduler(store, func(ctx context.Context, chatID, prompt string) {
		disp.Dispatch(ctx, core.IMMessage{
			ChatID:    chatID,
			SenderID:  "scheduler",
			Text:      prompt,
			Timestamp: core.NowUnix(),
		})
	}, logger)
	go followUps.Run(ctx)

	logger.Info("devopsbot starting", "platform", platform.Name())
	err = platform.Connect(ctx, disp.Dispatch, disp.RecordMessage)
	wg.Wait()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("platform connect: %w", err)
	}
	return nil
}

func buildProviders(cfg config.Config) (core.Provider, core.EmbeddingProvider) {
	switch cfg.AI.Provider {
	case "openai":
		return openai.New(cfg.AI.APIKey, cfg.AI.BaseURL), openai.NewEmbedding(cfg.AI.APIKey, cfg.AI.BaseURL, embeddingModel, embeddingDims)
	default:
		// Anthropic has no embeddings endpoint; memory/search/knowledge
		// still need vectors, so embeddings always go through an
		// OpenAI-compatible endpoint even when chat runs on Anthropic.
		return anthropic.New(cfg.AI.APIKey, cfg.AI.BaseURL), openai.NewEmbedding(os.Getenv("OPENAI_API_KEY"), "", embeddingModel, embeddingDims)
	}
}

// buildPlatform constructs the IM adapter. Feishu mounts its webhook on the
// shared mux so the event endpoint and the task HTTP surface serve from one
// port; Slack runs over Socket Mode and needs no HTTP at all.
func buildPlatform(cfg config.Config, mux *http.ServeMux) (core.ChatPlatform, error) {
	switch cfg.Platform.Name {
	case "slack":
		if cfg.Platform.SlackBotToken == "" || cfg.Platform.SlackAppToken == "" {
			return nil, fmt.Errorf("slack platform requires SLACK_BOT_TOKEN and SLACK_APP_TOKEN")
		}
		return slack.New(cfg.Platform.SlackBotToken, cfg.Platform.SlackAppToken), nil
	case "feishu", "":
		if cfg.Platform.FeishuAppID == "" || cfg.Platform.FeishuAppSecret == "" {
			return nil, fmt.Errorf("feishu platform requires FEISHU_APP_ID and FEISHU_APP_SECRET")
		}
		return feishu.New(cfg.Platform.FeishuAppID, cfg.Platform.FeishuAppSecret, cfg.Webhook.Secret, cfg.Webhook.Port,
			feishu.WithExternalMux(mux)), nil
	default:
		return nil, fmt.Errorf("unknown platform %q", cfg.Platform.Name)
	}
}

// newGlobalRegistry builds the tools that need no per-message or per-task
// scoping: they can be constructed once and shared across every dispatch
// and task run.
func newGlobalRegistry(cfg config.Config, store core.TaskStore, memStore core.MemoryStore, embedding core.EmbeddingProvider) *toolregistry.Registry {
	reg := toolregistry.New()
	for _, t := range data.Tools() {
		reg.Register(t)
	}
	reg.Register(httptool.New())
	reg.Register(knowledge.New(memStore, embedding, cfg.Project.Path))
	for _, t := range skill.New(store).Tools() {
		reg.Register(t)
	}
	if braveKey := os.Getenv("BRAVE_API_KEY"); braveKey != "" {
		reg.Register(search.New(embedding, braveKey))
	}
	return reg
}

// newDispatcherRegistry gives Layer 1 a small tool surface with no file or
// shell access: knowledge search over prior memory plus the skill tools
// (skill_search, skill_create, skill_update).
func newDispatcherRegistry(store core.TaskStore, memStore core.MemoryStore, embedding core.EmbeddingProvider, projectPath string) *toolregistry.Registry {
	reg := toolregistry.New()
	reg.Register(knowledge.New(memStore, embedding, projectPath))
	for _, t := range skill.New(store).Tools() {
		reg.Register(t)
	}
	return reg
}

// newTaskRegistry layers sandbox- and chat-scoped tools (file, shell,
// schedule, remember) on top of the shared global set for one task's
// Executor run.
func newTaskRegistry(global *toolregistry.Registry, cfg config.Config, store core.TaskStore, memStore core.MemoryStore, embedding core.EmbeddingProvider, sb core.Sandbox, chatID, createdBy string) *toolregistry.Registry {
	reg := toolregistry.New()
	for _, t := range global.GetAll() {
		reg.Register(t)
	}
	for _, t := range file.New(sb.WorktreePath).Tools() {
		reg.Register(t)
	}
	reg.Register(shell.New(sb.WorktreePath, defaultShellTimeoutSec))
	if chatID != "" {
		for _, t := range schedule.New(store, chatID, defaultTZOffset()).Tools() {
			reg.Register(t)
		}
	}
	if createdBy != "" {
		reg.Register(remember.New(memStore, embedding, cfg.Project.Path, createdBy))
	}
	return reg
}

// sessionExecutor defers executor.Session construction to Execute time:
// internal/task.ExecutorFactory builds a Config once per task, but
// executor.New binds the prompt at construction, and the prompt isn't
// known until Runner.runOne calls Execute.
type sessionExecutor struct {
	cfg executor.Config
}

func (s *sessionExecutor) Execute(ctx context.Context, prompt string) (string, error) {
	return executor.New(s.cfg, prompt).Execute(ctx)
}

// defaultTZOffset reads the bot operator's timezone (hours from UTC) used
// for scheduled follow-ups created without an explicit offset.
func defaultTZOffset() int {
	if v := os.Getenv("DEFAULT_TZ_OFFSET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func taskSystemPrompt() string {
	return `You are the coding agent of an internal DevOps assistant. You run inside a fresh git worktree on a dedicated branch.

Use the available tools to investigate the repository, make the requested change, and verify it before finishing. Prefer small, reviewable commits. When you believe the task is complete, summarize exactly what you changed and why in your final response — it becomes the pull request description.`
}

// newProjectContextFunc returns a dispatcher.ProjectContext that reads the
// project's README once and caches it for the process lifetime; the
// Dispatcher budgets and truncates it per message, so this only needs to
// supply the raw text.
func newProjectContextFunc() dispatcher.ProjectContext {
	var (
		mu    sync.Mutex
		cache = map[string]string{}
	)
	candidates := []string{"README.md", "readme.md", "README"}

	return func(ctx context.Context, projectPath string) (string, error) {
		mu.Lock()
		if cached, ok := cache[projectPath]; ok {
			mu.Unlock()
			return cached, nil
		}
		mu.Unlock()

		var text string
		for _, name := range candidates {
			content, err := os.ReadFile(filepath.Join(projectPath, name))
			if err == nil {
				text = string(content)
				break
			}
		}

		mu.Lock()
		cache[projectPath] = text
		mu.Unlock()
		return text, nil
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := os.Stderr
	if cfg.File != "" {
		if f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			out = f
		}
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}
