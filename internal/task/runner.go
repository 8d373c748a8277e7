// Package task owns the strictly serial task queue: task lifecycle, sandbox
// acquisition/release, wiring the Executor to sandbox-scoped tools, and
// scheduled follow-ups.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// SandboxManager creates and tears down the per-task Git worktree (§4.5).
type SandboxManager interface {
	Create(ctx context.Context, taskID, title string) (core.Sandbox, error)
	// ModifiedFiles lists the paths the task branch changed relative to its
	// base, for the task summary.
	ModifiedFiles(ctx context.Context, sb core.Sandbox) ([]string, error)
	Finalize(ctx context.Context, sb core.Sandbox, summary string) (prURL string, err error)
	Cleanup(ctx context.Context, sb core.Sandbox) error
}

// MemoryExtractor runs AI extraction over a completed task's summary
// (spec §4.6's task extraction); internal/memory.Extractor satisfies it.
type MemoryExtractor interface {
	ExtractTaskResult(ctx context.Context, projectPath, taskID, prompt, thinking, createdBy string) (int, error)
}

// Executor runs one bounded tool-calling session inside a sandbox.
type Executor interface {
	Execute(ctx context.Context, prompt string) (string, error)
}

// ExecutorFactory builds an Executor scoped to a sandbox worktree, streaming
// output through sink.
type ExecutorFactory func(sb core.Sandbox, sink core.OutputSink) Executor

// job is one enqueued unit of work.
type job struct {
	taskID string
	prompt string
}

// EventHook observes task lifecycle transitions, for the HTTP/SSE surface
// (§6) to broadcast without the Runner knowing anything about HTTP.
// eventType is one of task_created|task_updated|task_completed|task_failed.
type EventHook func(eventType string, t core.Task)

// Runner is the strictly serial Task Runner & Queue (spec §4.3).
type Runner struct {
	store       core.TaskStore
	memory      core.MemoryStore
	sandboxes   SandboxManager
	newExecutor ExecutorFactory
	platform    core.ChatPlatform
	extractor   MemoryExtractor
	projectPath string
	logger      *slog.Logger
	onEvent     EventHook

	queue chan job

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	broadcastInterval time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }
func WithBroadcastInterval(d time.Duration) Option {
	return func(r *Runner) { r.broadcastInterval = d }
}

// WithEventHook registers a callback fired on every task lifecycle
// transition (created, updated, completed, failed).
func WithEventHook(h EventHook) Option { return func(r *Runner) { r.onEvent = h } }

// WithExtractor registers the AI extractor run over each completed task's
// summary. Nil (the default) skips the extraction step but still persists
// the raw task_result item.
func WithExtractor(e MemoryExtractor) Option { return func(r *Runner) { r.extractor = e } }

// WithProjectPath scopes the memory items the Runner persists to one
// project.
func WithProjectPath(p string) Option { return func(r *Runner) { r.projectPath = p } }

// New builds a Runner with a bounded backlog; Start must be called to begin
// dequeuing.
func New(store core.TaskStore, memory core.MemoryStore, sandboxes SandboxManager, newExecutor ExecutorFactory, platform core.ChatPlatform, opts ...Option) *Runner {
	r := &Runner{
		store:             store,
		memory:            memory,
		sandboxes:         sandboxes,
		newExecutor:       newExecutor,
		platform:          platform,
		logger:            slog.Default(),
		queue:             make(chan job, 256),
		cancels:           make(map[string]context.CancelFunc),
		broadcastInterval: time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) emit(eventType string, t core.Task) {
	if r.onEvent != nil {
		r.onEvent(eventType, t)
	}
}

// Start runs the dequeue loop until ctx is cancelled. Exactly one task
// executes at a time — the queue never starts a second task until the
// current one returns.
func (r *Runner) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.queue:
			r.runOne(ctx, j)
		}
	}
}

// RunTask enqueues a new task and returns immediately.
func (r *Runner) RunTask(ctx context.Context, taskID, prompt, createdBy string, metadata map[string]string) error {
	t := core.Task{
		ID:        taskID,
		Status:    core.TaskPending,
		Prompt:    prompt,
		CreatedAt: core.NowUnix(),
		CreatedBy: createdBy,
		Metadata:  metadata,
	}
	if err := r.store.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("persist pending task: %w", err)
	}
	r.emit("task_created", t)
	r.persistTaskInput(ctx, t)
	r.queue <- job{taskID: taskID, prompt: prompt}
	return nil
}

// Retry resets a failed task to pending and re-enqueues its original prompt.
func (r *Runner) Retry(ctx context.Context, taskID string) error {
	t, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if t.Status != core.TaskFailed {
		return fmt.Errorf("task %s is not failed (status=%s)", taskID, t.Status)
	}
	t.Status = core.TaskPending
	t.Error = ""
	t.Output = ""
	if err := r.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("reset task: %w", err)
	}
	r.emit("task_updated", t)
	r.queue <- job{taskID: t.ID, prompt: t.Prompt}
	return nil
}

// Continue appends prompt to a finished task's original prompt and
// re-enqueues it, so the Executor sees the full history as one session.
func (r *Runner) Continue(ctx context.Context, taskID, prompt string) error {
	t, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if t.Status == core.TaskRunning || t.Status == core.TaskPending {
		return fmt.Errorf("task %s is still in flight", taskID)
	}
	merged := t.Prompt
	if prompt != "" {
		merged = merged + "\n\n" + prompt
	}
	t.Status = core.TaskPending
	t.Prompt = merged
	t.Error = ""
	if err := r.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	r.emit("task_updated", t)
	r.queue <- job{taskID: t.ID, prompt: merged}
	return nil
}

// StopTask best-effort cancels an in-flight task's provider call and
// transitions it to failed. Returns false if the task isn't running.
func (r *Runner) StopTask(taskID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (r *Runner) runOne(parent context.Context, j job) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.cancels[j.taskID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, j.taskID)
		r.mu.Unlock()
		cancel()
	}()

	t, err := r.store.GetTask(ctx, j.taskID)
	if err != nil {
		r.logger.Error("task vanished before dequeue", "task_id", j.taskID, "err", err)
		return
	}
	t.Status = core.TaskRunning
	_ = r.store.UpdateTask(ctx, t)
	r.emit("task_updated", t)

	sb, err := r.sandboxes.Create(ctx, t.ID, t.Metadata["title"])
	if err != nil {
		r.fail(ctx, t, &core.ErrSandbox{TaskID: t.ID, Stage: "create", Err: err})
		return
	}
	defer func() {
		if cerr := r.sandboxes.Cleanup(context.WithoutCancel(ctx), sb); cerr != nil {
			r.logger.Error("sandbox cleanup failed", "task_id", t.ID, "err", cerr)
		}
	}()

	var lastBroadcast time.Time
	sink := func(chunk core.OutputChunk) {
		t.Output += chunk.Text
		if time.Since(lastBroadcast) < r.broadcastInterval && !chunk.Done {
			return
		}
		lastBroadcast = time.Now()
		_ = r.store.UpdateTask(ctx, t)
		r.emit("task_updated", t)
	}

	exec := r.newExecutor(sb, sink)
	output, err := exec.Execute(ctx, j.prompt)
	t.Output = output
	if err != nil {
		if ctx.Err() != nil {
			r.fail(ctx, t, core.ErrTaskStopped)
		} else {
			r.fail(ctx, t, err)
		}
		return
	}

	files, err := r.sandboxes.ModifiedFiles(ctx, sb)
	if err != nil {
		r.logger.Warn("modified-files listing failed", "task_id", t.ID, "err", err)
	}
	t.Summary = &core.TaskSummary{ModifiedFiles: files, Thinking: output}

	prURL, err := r.sandboxes.Finalize(ctx, sb, output)
	if err != nil {
		r.logger.Warn("sandbox finalize failed, keeping task completed without a PR", "task_id", t.ID, "err", err)
	}
	t.PRUrl = prURL
	t.Status = core.TaskCompleted
	_ = r.store.UpdateTask(ctx, t)
	r.emit("task_completed", t)

	r.persistTaskResult(context.WithoutCancel(ctx), t)
	r.updateCard(ctx, t, fmt.Sprintf("Task completed.\n\n%s", output))
}

func (r *Runner) fail(ctx context.Context, t core.Task, cause error) {
	t.Status = core.TaskFailed
	t.Error = cause.Error()
	_ = r.store.UpdateTask(context.WithoutCancel(ctx), t)
	r.emit("task_failed", t)
	r.persistIssue(context.WithoutCancel(ctx), t)
	r.updateCard(context.WithoutCancel(ctx), t, fmt.Sprintf("Task failed: %s", cause.Error()))
}

// persistTaskInput records the task's creation in project memory: who asked
// and the first 500 chars of the prompt.
func (r *Runner) persistTaskInput(ctx context.Context, t core.Task) {
	if r.memory == nil || t.Prompt == "" {
		return
	}
	content := head(t.Prompt, 500)
	if t.CreatedBy != "" {
		content = t.CreatedBy + ": " + content
	}
	r.upsertMemory(ctx, t, core.MemoryTaskInput, content)
}

// persistTaskResult inserts the summary (thinking + modified files) as one
// task_result item, then runs the AI extractor over the thinking text.
func (r *Runner) persistTaskResult(ctx context.Context, t core.Task) {
	if t.Summary == nil {
		return
	}
	var b strings.Builder
	b.WriteString(t.Summary.Thinking)
	if len(t.Summary.ModifiedFiles) > 0 {
		b.WriteString("\n\nModified files:\n")
		for _, f := range t.Summary.ModifiedFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if r.memory != nil && strings.TrimSpace(b.String()) != "" {
		r.upsertMemory(ctx, t, core.MemoryTaskResult, b.String())
	}
	if r.extractor != nil {
		if _, err := r.extractor.ExtractTaskResult(ctx, r.projectPath, t.ID, t.Prompt, t.Summary.Thinking, t.CreatedBy); err != nil {
			r.logger.Warn("task extraction failed", "task_id", t.ID, "err", err)
		}
	}
}

// persistIssue records a failed task as one issue item: prompt head + error.
func (r *Runner) persistIssue(ctx context.Context, t core.Task) {
	if r.memory == nil || t.Error == "" {
		return
	}
	r.upsertMemory(ctx, t, core.MemoryIssue, head(t.Prompt, 500)+"\n\nerror: "+t.Error)
}

func (r *Runner) upsertMemory(ctx context.Context, t core.Task, kind core.MemoryItemType, content string) {
	if _, err := r.memory.UpsertItem(ctx, core.MemoryItem{
		Type:        kind,
		Content:     content,
		Source:      core.SourceTask,
		SourceID:    t.ID,
		ProjectPath: r.projectPath,
		CreatedBy:   t.CreatedBy,
		CreatedAt:   core.NowUnix(),
	}, nil); err != nil {
		r.logger.Warn("persist memory item failed", "task_id", t.ID, "type", kind, "err", err)
	}
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (r *Runner) updateCard(ctx context.Context, t core.Task, body string) {
	if r.platform == nil {
		return
	}
	chatID := t.Metadata["chat_id"]
	cardMsgID := t.Metadata["card_message_id"]
	if chatID == "" || cardMsgID == "" {
		return
	}
	card := core.Card{Header: t.Metadata["title"], Markdown: body}
	if err := r.platform.UpdateCard(ctx, chatID, cardMsgID, card); err != nil {
		r.logger.Warn("card update failed", "task_id", t.ID, "err", err)
	}
}
