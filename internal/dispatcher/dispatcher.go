// Package dispatcher implements Layer 1: a cheap, tool-light classifier
// that turns an inbound chat message into a chat reply, a memory-query
// reply, or a structured task handed to the Task Runner. It never writes
// code itself.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// MemoryIndexMode controls when the memory-index prompt section is
// included.
type MemoryIndexMode string

const (
	MemoryIndexAlways MemoryIndexMode = "always"
	MemoryIndexAuto   MemoryIndexMode = "auto"
	MemoryIndexNever  MemoryIndexMode = "never"
)

// Budgets bounds each prompt section independently (spec §4.1).
type Budgets struct {
	MaxPromptChars       int
	ProjectContextChars  int
	MemoryIndexChars     int
	MemorySectionChars   int
	RecentChatChars      int
	NewMessageChars      int
	MemoryTopK           int
	MemoryMinScore       float64
	MemoryDetailMinScore float64
	MemoryIndexMode      MemoryIndexMode
}

func defaultBudgets() Budgets {
	return Budgets{
		MaxPromptChars:       24_000,
		ProjectContextChars:  4_000,
		MemoryIndexChars:     1_500,
		MemorySectionChars:   6_000,
		RecentChatChars:      6_000,
		NewMessageChars:      4_000,
		MemoryTopK:           8,
		MemoryMinScore:       0.2,
		MemoryDetailMinScore: 0.6,
		MemoryIndexMode:      MemoryIndexAuto,
	}
}

// applyDefaults fills any unset budget field so partial Budgets from config
// still get sane bounds for the rest.
func (b *Budgets) applyDefaults() {
	def := defaultBudgets()
	if b.MaxPromptChars <= 0 {
		b.MaxPromptChars = def.MaxPromptChars
	}
	if b.ProjectContextChars <= 0 {
		b.ProjectContextChars = def.ProjectContextChars
	}
	if b.MemoryIndexChars <= 0 {
		b.MemoryIndexChars = def.MemoryIndexChars
	}
	if b.MemorySectionChars <= 0 {
		b.MemorySectionChars = def.MemorySectionChars
	}
	if b.RecentChatChars <= 0 {
		b.RecentChatChars = def.RecentChatChars
	}
	if b.NewMessageChars <= 0 {
		b.NewMessageChars = def.NewMessageChars
	}
	if b.MemoryTopK <= 0 {
		b.MemoryTopK = def.MemoryTopK
	}
	if b.MemoryMinScore <= 0 {
		b.MemoryMinScore = def.MemoryMinScore
	}
	if b.MemoryDetailMinScore <= 0 {
		b.MemoryDetailMinScore = def.MemoryDetailMinScore
	}
	if b.MemoryIndexMode == "" {
		b.MemoryIndexMode = def.MemoryIndexMode
	}
}

// memoryIntentHeuristic matches messages that likely reference prior
// context, gating the "auto" memory-index/detail inclusion.
var memoryIntentHeuristic = regexp.MustCompile(`(?i)(之前|上次|以前|previous(ly)?|did we|have we|what did|last time|remember|earlier)`)

// ProjectContext supplies cached package/README/dir-tree context.
type ProjectContext func(ctx context.Context, projectPath string) (string, error)

// TaskEnqueuer hands a structured task to the Task Runner.
type TaskEnqueuer func(ctx context.Context, taskID, prompt, createdBy string, metadata map[string]string) error

// ConversationExtractor runs memory extraction over one conversation shard
// (spec §4.6); internal/memory.Extractor.ExtractConversation fits via a
// small closure.
type ConversationExtractor func(ctx context.Context, conv core.Conversation, createdBy string)

// Config wires a Dispatcher instance.
type Config struct {
	Provider        core.Provider
	Model           string
	Tools           []core.ToolDefinition
	Runner          interface { // read-only tool runner
		Execute(ctx context.Context, name string, args json.RawMessage) (core.ToolResult, error)
	}
	Memory      core.MemoryStore
	ProjectCtx  ProjectContext
	ProjectPath string
	Platform    core.ChatPlatform
	Enqueue     TaskEnqueuer
	Extract     ConversationExtractor // nil disables conversation extraction
	Budgets     Budgets
	MaxToolRounds int
	ExtractThreshold int
	Logger      *slog.Logger
}

type Dispatcher struct {
	cfg Config
}

func New(cfg Config) *Dispatcher {
	cfg.Budgets.applyDefaults()
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 1
	}
	if cfg.ExtractThreshold <= 0 {
		cfg.ExtractThreshold = 12
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg}
}

// response is the JSON object the model must return.
type response struct {
	Intent          string `json:"intent"`
	Reply           string `json:"reply"`
	TaskTitle       string `json:"taskTitle"`
	TaskDescription string `json:"taskDescription"`
}

// RecordMessage appends a passive (non-mentioned) message to the
// conversation log only.
func (d *Dispatcher) RecordMessage(ctx context.Context, msg core.IMMessage) {
	if d.cfg.Memory == nil {
		return
	}
	if err := d.cfg.Memory.AppendMessage(ctx, msg.ChatID, d.cfg.ProjectPath, core.ConversationMessage{
		Role:       core.ConvRoleUser,
		Content:    msg.Text,
		SenderName: msg.SenderName,
		Timestamp:  msg.Timestamp,
	}); err != nil {
		d.cfg.Logger.Warn("record passive message failed", "chat_id", msg.ChatID, "err", err)
	}
}

// Dispatch handles an inbound mention (spec §4.1's dispatch(msg)).
func (d *Dispatcher) Dispatch(ctx context.Context, msg core.IMMessage) {
	var cardID string
	if d.cfg.Platform != nil {
		id, err := d.cfg.Platform.SendCard(ctx, msg.ChatID, core.Card{Markdown: "Thinking…"})
		if err != nil {
			d.cfg.Logger.Warn("send thinking card failed", "err", err)
		}
		cardID = id
	}

	d.logUser(ctx, msg)

	prompt, memHits := d.assemblePrompt(ctx, msg)
	resp, err := d.classify(ctx, prompt)
	if err != nil {
		d.cfg.Logger.Error("classification failed", "err", err)
		resp = response{Intent: "chat", Reply: "Sorry, something went wrong processing that. Please try again."}
	}

	switch resp.Intent {
	case "create_task":
		d.routeCreateTask(ctx, msg, resp, cardID)
	default: // "chat", "query_memory", and any unrecognized value degrade to chat
		d.routeChat(ctx, msg, resp, cardID, memHits)
	}
}

func (d *Dispatcher) routeChat(ctx context.Context, msg core.IMMessage, resp response, cardID string, memHits int) {
	reply := resp.Reply
	if reply == "" {
		reply = "Okay."
	}
	d.updateOrSend(ctx, msg.ChatID, cardID, reply)
	d.logAssistant(ctx, msg.ChatID, reply)

	if resp.Intent != "create_task" {
		if conv, ok, _ := d.safeGetConversation(ctx, msg.ChatID); ok {
			if len(conv.Messages)-conv.ExtractedUpTo >= d.cfg.ExtractThreshold {
				d.cfg.Logger.Info("conversation extraction threshold reached", "chat_id", msg.ChatID, "unextracted", len(conv.Messages)-conv.ExtractedUpTo)
				if d.cfg.Extract != nil {
					// The extractor makes its own memory-model call; don't
					// hold up the chat reply for it, and don't let the
					// per-message ctx cancel it mid-insert.
					go d.cfg.Extract(context.WithoutCancel(ctx), conv, msg.SenderID)
				}
			}
		}
	}
}

func (d *Dispatcher) routeCreateTask(ctx context.Context, msg core.IMMessage, resp response, cardID string) {
	if strings.TrimSpace(resp.TaskTitle) == "" {
		clarify := "What would you like me to work on? Give me a short task title."
		d.updateOrSend(ctx, msg.ChatID, cardID, clarify)
		d.logAssistant(ctx, msg.ChatID, clarify)
		return
	}

	description := d.buildEnrichedDescription(msg, resp)
	taskID := core.NewID()
	metadata := map[string]string{
		"title":           resp.TaskTitle,
		"chat_id":         msg.ChatID,
		"card_message_id": cardID,
	}
	if err := d.cfg.Enqueue(ctx, taskID, description, msg.SenderID, metadata); err != nil {
		d.cfg.Logger.Error("enqueue task failed", "err", err)
		d.updateOrSend(ctx, msg.ChatID, cardID, "Failed to start that task, please try again.")
		return
	}
	d.updateOrSend(ctx, msg.ChatID, cardID, fmt.Sprintf("Task created: **%s**", resp.TaskTitle))
}

func (d *Dispatcher) buildEnrichedDescription(msg core.IMMessage, resp response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Requested by: %s\n\n", msg.SenderName)
	b.WriteString(resp.TaskDescription)
	if len(msg.Links) > 0 {
		b.WriteString("\n\nReferences:\n")
		for _, l := range msg.Links {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}
	if len(msg.Attachments) > 0 {
		b.WriteString("\n\nAttachments:\n")
		for _, a := range msg.Attachments {
			fmt.Fprintf(&b, "- %s (%s)\n", a.FileName, a.MimeType)
		}
	}
	return b.String()
}

func (d *Dispatcher) updateOrSend(ctx context.Context, chatID, cardID, text string) {
	if d.cfg.Platform == nil {
		return
	}
	if cardID != "" {
		if err := d.cfg.Platform.UpdateCard(ctx, chatID, cardID, core.Card{Markdown: text}); err == nil {
			return
		}
	}
	_, _ = d.cfg.Platform.SendText(ctx, chatID, text)
}

func (d *Dispatcher) logUser(ctx context.Context, msg core.IMMessage) {
	if d.cfg.Memory == nil {
		return
	}
	_ = d.cfg.Memory.AppendMessage(ctx, msg.ChatID, d.cfg.ProjectPath, core.ConversationMessage{
		Role: core.ConvRoleUser, Content: msg.Text, SenderName: msg.SenderName, Timestamp: msg.Timestamp,
	})
}

func (d *Dispatcher) logAssistant(ctx context.Context, chatID, text string) {
	if d.cfg.Memory == nil {
		return
	}
	_ = d.cfg.Memory.AppendMessage(ctx, chatID, d.cfg.ProjectPath, core.ConversationMessage{
		Role: core.ConvRoleAssistant, Content: text, Timestamp: time.Now().Unix(),
	})
}

func (d *Dispatcher) safeGetConversation(ctx context.Context, chatID string) (core.Conversation, bool, error) {
	if d.cfg.Memory == nil {
		return core.Conversation{}, false, nil
	}
	return d.cfg.Memory.GetConversation(ctx, chatID, time.Now().UTC().Format("2006-01"))
}
