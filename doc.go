// Package devopsbot is an AI-assisted DevOps chat agent. It watches a chat
// platform (Feishu, Slack), classifies each mention with a cheap Dispatcher,
// and hands code-changing requests off to an Executor that runs a bounded
// tool-calling session inside an isolated Git worktree, opening a PR when
// it finishes.
//
// # Core interfaces
//
//   - [Provider] — the AI backend (Anthropic, OpenAI)
//   - [EmbeddingProvider] — text-to-vector embedding for the Memory Engine
//   - [ChatPlatform] — the IM adapter (Feishu, Slack)
//   - [TaskStore] — task, scheduled-follow-up and skill persistence
//   - [MemoryStore] — project memory: hybrid search, conversation shards
//   - [Tool] — a pluggable capability exposed to the Executor
//
// # Packages
//
// internal/dispatcher classifies inbound messages and either replies
// directly or enqueues a task. internal/executor runs the tool-calling
// loop. internal/task owns the serial task queue and scheduled follow-ups.
// internal/sandbox manages per-task Git worktrees and PR creation.
// internal/toolregistry resolves tool policy; internal/toolchannel talks to
// out-of-process tool servers. provider/anthropic and provider/openai wire
// concrete AI backends; frontend/feishu and frontend/slack wire concrete
// chat platforms; store/sqlite backs both TaskStore and MemoryStore.
package devopsbot
