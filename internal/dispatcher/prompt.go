package dispatcher

import (
	"context"
	"fmt"
	"strings"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

const systemPreamble = `You are a DevOps assistant embedded in a team chat. Classify the user's
latest message into exactly one of:

  "chat"          — answer directly, no code change needed
  "query_memory"  — answer using the project memory/context provided below
  "create_task"   — the user wants code, config, or infra changed

Respond with ONLY a JSON object, no markdown fences, no commentary:
{"intent":"chat|query_memory|create_task","reply":"...","taskTitle":"...","taskDescription":"..."}

"reply" is required for chat/query_memory and must directly answer the user.
"taskTitle" and "taskDescription" are required for create_task; taskDescription
must be a complete, actionable brief a separate engineer-agent can execute
without further clarification.`

// assemblePrompt builds the classifier prompt in the spec's fixed section
// order, each bounded by its own character budget (spec §4.1):
//  1. project context
//  2. memory index
//  3. two-stage memory context (search hits)
//  4. recent conversation
//  5. the new message plus attachments and links
// It returns the assembled prompt and the number of memory hits included,
// so callers can decide whether to surface "from memory" framing.
func (d *Dispatcher) assemblePrompt(ctx context.Context, msg core.IMMessage) (string, int) {
	b := d.cfg.Budgets
	var sections []string
	sections = append(sections, systemPreamble)

	if d.cfg.ProjectCtx != nil {
		if pc, err := d.cfg.ProjectCtx(ctx, d.cfg.ProjectPath); err == nil && pc != "" {
			sections = append(sections, "## Project context\n"+truncate(pc, b.ProjectContextChars))
		}
	}

	wantsMemory := b.MemoryIndexMode == MemoryIndexAlways ||
		(b.MemoryIndexMode == MemoryIndexAuto && memoryIntentHeuristic.MatchString(msg.Text))

	var memHits int
	if d.cfg.Memory != nil {
		if wantsMemory {
			if idx, err := d.cfg.Memory.Index(ctx, d.cfg.ProjectPath); err == nil && len(idx) > 0 {
				sections = append(sections, "## Memory index\n"+truncate(formatIndex(idx), b.MemoryIndexChars))
			}
		}
		if wantsMemory {
			hits, err := d.cfg.Memory.Search(ctx, core.MemoryQuery{
				ProjectPath: d.cfg.ProjectPath,
				QueryText:   msg.Text,
				TopK:        b.MemoryTopK,
			})
			if err == nil {
				kept := filterByScore(hits, b.MemoryMinScore)
				memHits = len(kept)
				if len(kept) > 0 {
					sections = append(sections, "## Relevant memory\n"+truncate(formatHits(kept, b.MemoryDetailMinScore), b.MemorySectionChars))
				}
			}
		}
	}

	if conv, ok, err := d.safeGetConversation(ctx, msg.ChatID); err == nil && ok {
		sections = append(sections, "## Recent conversation\n"+truncate(formatConversation(conv), b.RecentChatChars))
	}

	sections = append(sections, "## New message\n"+truncate(formatNewMessage(msg), b.NewMessageChars))

	prompt := strings.Join(sections, "\n\n")
	return truncate(prompt, b.MaxPromptChars), memHits
}

func filterByScore(hits []core.ScoredMemoryItem, min float64) []core.ScoredMemoryItem {
	out := make([]core.ScoredMemoryItem, 0, len(hits))
	for _, h := range hits {
		if h.Score >= min {
			out = append(out, h)
		}
	}
	return out
}

func formatIndex(idx []core.MemoryIndexEntry) string {
	var b strings.Builder
	for _, e := range idx {
		fmt.Fprintf(&b, "- %s: %d items\n", e.Type, e.Count)
		for _, p := range e.Preview {
			fmt.Fprintf(&b, "  - %s\n", p.Preview)
		}
	}
	return b.String()
}

// formatHits renders each hit in full detail if its score clears
// detailMin (the "two-stage" memory context: headline for everything,
// full content only for the strongest matches), otherwise as a one-line
// summary.
func formatHits(hits []core.ScoredMemoryItem, detailMin float64) string {
	var b strings.Builder
	for _, h := range hits {
		if h.Score >= detailMin {
			fmt.Fprintf(&b, "- [%s] %s\n", h.Type, h.Content)
		} else {
			fmt.Fprintf(&b, "- [%s] %s\n", h.Type, truncate(h.Content, 120))
		}
	}
	return b.String()
}

func formatConversation(conv core.Conversation) string {
	var b strings.Builder
	start := 0
	if len(conv.Messages) > 20 {
		start = len(conv.Messages) - 20
	}
	for _, m := range conv.Messages[start:] {
		who := m.SenderName
		if who == "" {
			who = string(m.Role)
		}
		fmt.Fprintf(&b, "%s: %s\n", who, m.Content)
	}
	return b.String()
}

func formatNewMessage(msg core.IMMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", msg.SenderName, msg.Text)
	for _, l := range msg.Links {
		fmt.Fprintf(&b, "link: %s\n", l)
	}
	for _, a := range msg.Attachments {
		fmt.Fprintf(&b, "attachment: %s (%s)\n", a.FileName, a.MimeType)
	}
	return b.String()
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "\n…(truncated)"
}
