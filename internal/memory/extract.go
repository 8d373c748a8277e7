// Package memory orchestrates incremental fact extraction over
// conversation shards and task outputs, turning raw text into
// core.MemoryItems via an LLM extraction call (spec §4.6).
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// ExtractedItem is one fact parsed from an extraction response, before it
// is turned into a core.MemoryItem (which needs a project path, source,
// and timestamp the extractor doesn't know about).
type ExtractedItem struct {
	Type    core.MemoryItemType `json:"type"`
	Content string              `json:"content"`
}

// ExtractSchema is the JSON Schema for extraction responses: an array of
// {type, content} pairs, one per distinct fact worth remembering.
var ExtractSchema = &core.ResponseSchema{
	Name: "extracted_memory_items",
	Schema: json.RawMessage(`{
		"type": "array",
		"items": {
			"type": "object",
			"properties": {
				"type": {"type": "string", "enum": ["decision", "context", "preference", "issue", "task_input", "task_result"]},
				"content": {"type": "string"}
			},
			"required": ["type", "content"]
		}
	}`),
}

// ExtractPrompt is the system prompt used for both conversation-shard and
// task-lifecycle extraction. The caller supplies the text to extract from
// as the user message.
const ExtractPrompt = `You are a memory extraction system for a DevOps assistant. Given a chunk of conversation or a task's result, extract durable facts worth remembering about this project.

Extract items of these types only:
- decision: a choice that was made and should be honored later (e.g. "use postgres, not mysql")
- context: background facts about the project, its stack, or its constraints
- preference: how this user/team likes things done (style, tools, process)
- issue: a known problem, limitation, or gotcha worth flagging again later
- task_input: a notable requirement or constraint given for a task
- task_result: a notable outcome or change a completed task produced

Rules:
- Only extract what is clearly stated, not speculation
- Each item should be a single, self-contained statement (it will be read without the surrounding conversation)
- Skip small talk, acknowledgements, and anything not worth remembering a month from now
- Return an empty array if nothing qualifies

Return ONLY a JSON array: [{"type": "decision", "content": "..."}]. Return [] if nothing qualifies.`

// skipPhrases are low-content acknowledgements not worth spending an
// extraction call on.
var skipPhrases = map[string]bool{
	"ok": true, "oke": true, "okay": true, "okey": true,
	"thanks": true, "thank you": true, "makasih": true, "thx": true, "ty": true,
	"yes": true, "no": true, "ya": true, "ga": true, "gak": true, "nggak": true, "engga": true,
	"nice": true, "sip": true, "siap": true,
	"lol": true, "haha": true, "wkwk": true, "wkwkwk": true,
	"hmm": true, "hm": true, "oh": true, "ah": true,
	"good": true, "great": true, "cool": true, "yep": true, "nope": true,
}

// ShouldExtract reports whether text carries enough content to be worth
// an extraction call.
func ShouldExtract(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 10 {
		return false
	}
	return !skipPhrases[strings.ToLower(trimmed)]
}

// ParseItems parses an extraction response, tolerating markdown-fenced
// arrays by slicing from the first "[" to the last "]" when a direct
// unmarshal fails.
func ParseItems(response string) []ExtractedItem {
	response = strings.TrimSpace(response)
	var items []ExtractedItem
	if err := json.Unmarshal([]byte(response), &items); err == nil {
		return items
	}
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start >= 0 && end > start {
		_ = json.Unmarshal([]byte(response[start:end+1]), &items)
	}
	return items
}

// Extractor turns conversation shards and task outputs into MemoryItems.
type Extractor struct {
	Provider core.Provider
	Model    string
	Memory   core.MemoryStore
	Embed    core.EmbeddingProvider // optional; nil disables vector storage
	Logger   *slog.Logger
}

// ExtractConversation runs extraction over one pending shard, stores every
// resulting item, and advances the shard's extraction cursor regardless of
// outcome (a failed extraction shouldn't be retried forever against the
// same growing shard).
func (e *Extractor) ExtractConversation(ctx context.Context, conv core.Conversation, createdBy string) (int, error) {
	unextracted := conv.Messages[conv.ExtractedUpTo:]
	if len(unextracted) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	for _, m := range unextracted {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	if !ShouldExtract(sb.String()) {
		return 0, e.Memory.AdvanceExtraction(ctx, conv.ChatID, conv.MonthKey, len(conv.Messages))
	}

	items, err := e.extract(ctx, sb.String())
	if err != nil {
		e.logger().Warn("memory: extraction call failed", "chat_id", conv.ChatID, "error", err)
		return 0, e.Memory.AdvanceExtraction(ctx, conv.ChatID, conv.MonthKey, len(conv.Messages))
	}

	n := e.store(ctx, items, conv.ProjectPath, core.SourceConversation, conv.ChatID, createdBy)
	if err := e.Memory.AdvanceExtraction(ctx, conv.ChatID, conv.MonthKey, len(conv.Messages)); err != nil {
		return n, fmt.Errorf("memory: advance extraction: %w", err)
	}
	return n, nil
}

// ExtractTaskResult runs extraction over a completed task's prompt+output,
// tagging items with core.SourceTask.
func (e *Extractor) ExtractTaskResult(ctx context.Context, projectPath, taskID, prompt, output, createdBy string) (int, error) {
	text := fmt.Sprintf("task request: %s\n\ntask result: %s", prompt, output)
	if !ShouldExtract(text) {
		return 0, nil
	}
	items, err := e.extract(ctx, text)
	if err != nil {
		e.logger().Warn("memory: task extraction failed", "task_id", taskID, "error", err)
		return 0, nil
	}
	return e.store(ctx, items, projectPath, core.SourceTask, taskID, createdBy), nil
}

func (e *Extractor) extract(ctx context.Context, text string) ([]ExtractedItem, error) {
	resp, err := e.Provider.CreateMessage(ctx, core.ChatRequest{
		Model:          e.Model,
		System:         ExtractPrompt,
		Messages:       []core.ChatMessage{core.UserMessage(text)},
		MaxTokens:      2048,
		ResponseSchema: ExtractSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: extraction request: %w", err)
	}
	var out strings.Builder
	for _, c := range resp.Content {
		out.WriteString(c.Text)
	}
	return ParseItems(out.String()), nil
}

func (e *Extractor) store(ctx context.Context, items []ExtractedItem, projectPath string, source core.MemorySource, sourceID, createdBy string) int {
	stored := 0
	for _, it := range items {
		if strings.TrimSpace(it.Content) == "" {
			continue
		}
		var vec []float32
		if e.Embed != nil {
			vecs, err := e.Embed.Embed(ctx, []string{it.Content})
			if err == nil && len(vecs) == 1 {
				vec = vecs[0]
			}
		}
		item := core.MemoryItem{
			Type:        it.Type,
			Content:     it.Content,
			Source:      source,
			SourceID:    sourceID,
			ProjectPath: projectPath,
			CreatedBy:   createdBy,
		}
		if _, err := e.Memory.UpsertItem(ctx, item, vec); err != nil {
			e.logger().Warn("memory: upsert item failed", "error", err)
			continue
		}
		stored++
	}
	return stored
}

func (e *Extractor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(discardHandler{})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
