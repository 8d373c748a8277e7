package remember

import (
	"context"
	"encoding/json"
	"fmt"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// Tool saves a fact to the Memory Engine. Scoped to one project and
// attributed to one chat, mirroring internal/memory.Extractor's
// embed-then-UpsertItem pattern but triggered explicitly by the user
// rather than by background extraction.
type Tool struct {
	memory      core.MemoryStore
	embedding   core.EmbeddingProvider
	projectPath string
	createdBy   string
}

// New creates a RememberTool.
func New(memory core.MemoryStore, embedding core.EmbeddingProvider, projectPath, createdBy string) *Tool {
	return &Tool{memory: memory, embedding: embedding, projectPath: projectPath, createdBy: createdBy}
}

var _ core.Tool = (*Tool)(nil)

func (t *Tool) Name() string { return "remember" }
func (t *Tool) Description() string {
	return "Save a fact to the user's knowledge base. Use when the user explicitly asks to remember or save something."
}
func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{
		"content":{"type":"string","description":"The fact to save"},
		"type":{"type":"string","enum":["decision","context","preference","issue"],"description":"Kind of fact; defaults to context"}
	},"required":["content"]}`)
}
func (t *Tool) Category() core.ToolCategory { return core.CategoryMemory }

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (core.ToolResult, error) {
	var params struct {
		Content string `json:"content"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return core.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	msg, err := t.Remember(ctx, params.Content, memoryItemType(params.Type))
	if err != nil {
		return core.ToolResult{Error: err.Error()}, nil
	}
	return core.ToolResult{Content: msg}, nil
}

// Remember embeds and upserts content as a MemoryItem. Exported so other
// callers (e.g. a /remember slash command on a frontend) can reuse it
// without going through the JSON-args Execute path.
func (t *Tool) Remember(ctx context.Context, content string, itemType core.MemoryItemType) (string, error) {
	var vec []float32
	if t.embedding != nil {
		vecs, err := t.embedding.Embed(ctx, []string{content})
		if err == nil && len(vecs) == 1 {
			vec = vecs[0]
		}
	}

	item := core.MemoryItem{
		Type:        itemType,
		Content:     content,
		Source:      core.SourceManual,
		ProjectPath: t.projectPath,
		CreatedBy:   t.createdBy,
	}
	if _, err := t.memory.UpsertItem(ctx, item, vec); err != nil {
		return "", fmt.Errorf("remember: %w", err)
	}
	return "Saved to knowledge base.", nil
}

func memoryItemType(s string) core.MemoryItemType {
	switch s {
	case "decision":
		return core.MemoryDecision
	case "preference":
		return core.MemoryPreference
	case "issue":
		return core.MemoryIssue
	default:
		return core.MemoryContext
	}
}
