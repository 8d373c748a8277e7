package devopsbot

import "encoding/json"

// --- Task ---

// TaskStatus is the lifecycle state of a Task. It is monotonic:
// pending -> running -> {completed | failed}. It never reverts.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskSummary captures the Executor's end-of-run synopsis for a Task.
type TaskSummary struct {
	ModifiedFiles []string `json:"modified_files,omitempty"`
	Thinking      string   `json:"thinking,omitempty"`
}

// Task is a single unit of work handed from the Dispatcher to the Task
// Runner. Persisted through the TaskStore, which writes each UpdateTask call
// straight to the database; no JSON snapshot file is kept. Never deleted by
// the core.
type Task struct {
	ID        string            `json:"id"`
	Status    TaskStatus        `json:"status"`
	Prompt    string            `json:"prompt"`
	Output    string            `json:"output"`
	CreatedAt int64             `json:"created_at"`
	CreatedBy string            `json:"created_by"`
	Metadata  map[string]string `json:"metadata,omitempty"` // chat ids, title, card message id
	Summary   *TaskSummary      `json:"summary,omitempty"`
	Error     string            `json:"error,omitempty"`
	PRUrl     string            `json:"pr_url,omitempty"`
}

// --- Sandbox ---

// Sandbox is a per-task Git worktree + branch. Created before the Executor
// runs, destroyed in a finally (guaranteed release).
type Sandbox struct {
	TaskID       string   `json:"task_id"`
	BranchName   string   `json:"branch_name"`
	BaseBranch   string   `json:"base_branch"`
	WorktreePath string   `json:"worktree_path"`
	Submodules   []string `json:"submodules,omitempty"`
}

// --- Memory Engine entities ---

// MemoryItemType enumerates the kinds of facts the Memory Engine stores.
type MemoryItemType string

const (
	MemoryDecision   MemoryItemType = "decision"
	MemoryContext    MemoryItemType = "context"
	MemoryPreference MemoryItemType = "preference"
	MemoryIssue      MemoryItemType = "issue"
	MemoryTaskInput  MemoryItemType = "task_input"
	MemoryTaskResult MemoryItemType = "task_result"
)

// MemorySource records where a MemoryItem originated.
type MemorySource string

const (
	SourceConversation MemorySource = "conversation"
	SourceTask         MemorySource = "task"
	SourceManual       MemorySource = "manual"
)

// MemoryItem is one fact in the project memory. Never deleted by the core;
// duplicates (same contentHash + projectPath) are reinforced instead of
// re-inserted.
type MemoryItem struct {
	ID                 string         `json:"id"`
	Type               MemoryItemType `json:"type"`
	Content            string         `json:"content"`
	ContentHash        string         `json:"content_hash"`
	Source             MemorySource   `json:"source"`
	SourceID           string         `json:"source_id,omitempty"`
	ProjectPath        string         `json:"project_path"`
	CreatedBy          string         `json:"created_by,omitempty"`
	CreatedAt          int64          `json:"created_at"`
	ReinforcementCount int            `json:"reinforcement_count"`
	LastReinforcedAt   int64          `json:"last_reinforced_at,omitempty"`
}

// ScoredMemoryItem is a MemoryItem paired with a hybrid-search score and the
// phase(s) that contributed to the match.
type ScoredMemoryItem struct {
	MemoryItem
	Score       float64 `json:"score"`
	MatchSource string  `json:"match_source"` // "vector" | "keyword" | "hybrid"
}

// EmbeddingRow is one cached embedding vector, one per unique content hash.
type EmbeddingRow struct {
	ContentHash string    `json:"content_hash"`
	Vector      []float32 `json:"-"`
	Model       string    `json:"model"`
	CreatedAt   int64     `json:"created_at"`
}

// ChatMessageRole distinguishes conversation roles. Distinct from the AI
// Provider wire ChatMessage below -- a conversation log entry never carries
// tool calls or attachments, only what a human/bot said.
type ChatMessageRole string

const (
	ConvRoleUser      ChatMessageRole = "user"
	ConvRoleAssistant ChatMessageRole = "assistant"
)

// ConversationMessage is one entry appended to a Conversation shard.
type ConversationMessage struct {
	Role       ChatMessageRole `json:"role"`
	Content    string          `json:"content"`
	SenderName string          `json:"sender_name,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// Conversation is an append-only per-(chatId, monthKey) shard.
// ExtractedUpTo advances monotonically as the Extractor consumes messages;
// it is always <= len(Messages).
type Conversation struct {
	ChatID        string                `json:"chat_id"`
	MonthKey      string                `json:"month_key"` // YYYY-MM
	Messages      []ConversationMessage `json:"messages"`
	ProjectPath   string                `json:"project_path"`
	ExtractedUpTo int                   `json:"extracted_up_to"`
}

// MemoryIndexEntry summarizes one MemoryItemType for Dispatcher prompt
// assembly: a count plus a short preview of the most recent items.
type MemoryIndexEntry struct {
	Type    MemoryItemType      `json:"type"`
	Count   int                 `json:"count"`
	Preview []MemoryItemPreview `json:"preview"`
}

type MemoryItemPreview struct {
	ID        string `json:"id"`
	Preview   string `json:"preview"` // <= 80 chars
	CreatedAt int64  `json:"created_at"`
	CreatedBy string `json:"created_by,omitempty"`
}

// --- Scheduled follow-ups (supplemented feature, SPEC_FULL.md §3) ---

// ScheduledFollowUp is a recurring or one-shot prompt the Task Runner
// re-injects into the Dispatcher at NextRun. Schedule uses the same
// "HH:MM <recurrence>" grammar as ComputeNextRun.
type ScheduledFollowUp struct {
	ID          string `json:"id"`
	ChatID      string `json:"chat_id"`
	Description string `json:"description"`
	Schedule    string `json:"schedule"`
	Prompt      string `json:"prompt"`
	TZOffset    int    `json:"tz_offset"`
	NextRun     int64  `json:"next_run"`
	Enabled     bool   `json:"enabled"`
	CreatedAt   int64  `json:"created_at"`
}

// --- Skills registry (supplemented feature, SPEC_FULL.md §3) ---

// Skill is a stored instruction package the Dispatcher or Executor can load
// by name to specialize its system prompt for a recurring kind of request.
type Skill struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Instructions string   `json:"instructions"`
	Tools        []string `json:"tools,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}

// --- Tool Registry & Policy ---

// ToolCategory groups tools for policy expansion (group:<category>).
type ToolCategory string

const (
	CategoryFileRead  ToolCategory = "file-read"
	CategoryFileWrite ToolCategory = "file-write"
	CategorySearch    ToolCategory = "search"
	CategoryShell     ToolCategory = "shell"
	CategorySkill     ToolCategory = "skill"
	CategoryMemory    ToolCategory = "memory"
	CategoryGit       ToolCategory = "git"
	CategoryDelete    ToolCategory = "delete"
	CategoryData      ToolCategory = "data"
	CategoryHTTP      ToolCategory = "http"
	CategorySchedule  ToolCategory = "schedule"
)

// ToolPolicy is an immutable allow/deny value. Deny always wins over allow;
// an empty Allow list means allow-all. Entries may be a literal tool name, a
// `group:<category>` reference, or a suffix `*` wildcard.
type ToolPolicy struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// Built-in policy profiles (spec §4.4).
var (
	PolicyReadOnly = ToolPolicy{Allow: []string{"group:file-read", "group:search", "group:skill"}}
	PolicyFull     = ToolPolicy{}
	PolicySafe     = ToolPolicy{Deny: []string{"group:shell", "group:delete"}}
)

// --- AI Provider wire types (§6) ---

// StopReason is why the provider stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// BlockType tags the variant carried by a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is a tagged union over the content kinds an AI Provider
// message may carry. Only the fields matching Type are populated.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	ImageBase64    string `json:"image_base64,omitempty"`
	ImageMediaType string `json:"image_media_type,omitempty"`

	// tool_use
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// tool_result
	ToolResultForID string `json:"tool_result_for_id,omitempty"`
	ToolResultText  string `json:"tool_result_text,omitempty"`
	ToolResultError bool   `json:"tool_result_error,omitempty"`
}

func TextBlock(s string) ContentBlock { return ContentBlock{Type: BlockText, Text: s} }

func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

func ToolResultBlock(forID, text string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolResultForID: forID, ToolResultText: text, ToolResultError: isError}
}

// ChatMessage is one turn in a Provider conversation. Role is one of
// "system", "user", "assistant". Content carries one or more tagged blocks;
// plain-text convenience constructors below wrap a single text block.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: []ContentBlock{TextBlock(text)}}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: []ContentBlock{TextBlock(text)}}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: []ContentBlock{TextBlock(text)}}
}

// ToolResultMessage wraps one or more tool_result blocks as a single
// user-turn message, the shape the Executor appends after executing tool
// calls for one iteration.
func ToolResultMessage(blocks ...ContentBlock) ChatMessage {
	return ChatMessage{Role: "user", Content: blocks}
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ResponseSchema tells the provider to enforce structured JSON output.
type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

type ChatRequest struct {
	Model          string           `json:"model"`
	System         string           `json:"system,omitempty"`
	Messages       []ChatMessage    `json:"messages"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	MaxTokens      int              `json:"max_tokens"`
	Temperature    *float64         `json:"temperature,omitempty"`
	ResponseSchema *ResponseSchema  `json:"response_schema,omitempty"`
}

type ChatResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// --- Chat platform wire types (§6) ---

// IMMessage is the normalized inbound chat event every ChatPlatform adapter
// produces, regardless of the underlying IM protocol.
type IMMessage struct {
	ChatID      string       `json:"chat_id"`
	MessageID   string       `json:"message_id"`
	SenderID    string       `json:"sender_id"`
	SenderName  string       `json:"sender_name"`
	Text        string       `json:"text"`
	Mentions    []string     `json:"mentions,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Links       []string     `json:"links,omitempty"`
	Timestamp   int64        `json:"timestamp"`
}

// Attachment is a file or image reference carried by an inbound IMMessage.
type Attachment struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
	IsImage  bool   `json:"is_image"`
}

// Card is the rich-reply payload for sendCard/updateCard.
type Card struct {
	Header   string `json:"header,omitempty"`
	Markdown string `json:"markdown"`
}
