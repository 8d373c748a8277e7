// Package executor runs a single long tool-using session against a chosen
// model, honoring a hard iteration budget and a hard context-token budget,
// and recovering from truncated tool calls and oversized context without
// human intervention.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// ToolRunner executes one tool call. Implementations wrap the Tool
// Registry / tool channel; Execute must run strictly sequentially per
// iteration — the Executor never calls it concurrently.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (core.ToolResult, error)
}

// Config holds everything one Executor session needs.
type Config struct {
	Provider        core.Provider
	Model           string
	SystemPrompt    string
	Tools           []core.ToolDefinition
	Runner          ToolRunner
	MaxIterations   int // I, default 50
	MaxExtensions   int // E, default 3
	MaxContextToks  int // default 150_000
	MaxToolResult   int // truncated-result cap, default 10_000 chars
	Output          core.OutputSink
	Logger          *slog.Logger
}

const (
	defaultMaxIterations  = 50
	defaultMaxExtensions  = 3
	defaultMaxContextToks = 150_000
	defaultMaxToolResult  = 10_000

	truncatedToolMessage = "your previous response was truncated, retry with smaller content"
)

// Session runs one Executor invocation and returns the final text.
type Session struct {
	cfg      Config
	messages []core.ChatMessage
}

// New builds a Session seeded with a system prompt and a user turn.
func New(cfg Config, prompt string) *Session {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxExtensions <= 0 {
		cfg.MaxExtensions = defaultMaxExtensions
	}
	if cfg.MaxContextToks <= 0 {
		cfg.MaxContextToks = defaultMaxContextToks
	}
	if cfg.MaxToolResult <= 0 {
		cfg.MaxToolResult = defaultMaxToolResult
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		cfg:      cfg,
		messages: []core.ChatMessage{core.UserMessage(prompt)},
	}
}

func (s *Session) emit(chunk core.OutputChunk) {
	if s.cfg.Output != nil {
		s.cfg.Output(chunk)
	}
}

// Execute runs the main loop + extension loop until the session completes
// or every extension is exhausted. It returns the text of the last model
// turn only; text from earlier turns is not included. When the budget runs
// out, a warning is appended to that text.
func (s *Session) Execute(ctx context.Context) (string, error) {
	budget := s.cfg.MaxIterations
	keepTail := 10

	final, done, err := s.runIterations(ctx, budget, keepTail)
	if err != nil {
		return final, err
	}

	for ext := 1; !done && ext <= s.cfg.MaxExtensions; ext++ {
		keepTail = max(4, 10-2*ext)
		bonus := max(1, s.cfg.MaxIterations/2)
		s.cfg.Logger.Warn("iteration budget exhausted, extending",
			"extension", ext, "max_extensions", s.cfg.MaxExtensions, "bonus_iterations", bonus, "keep_tail", keepTail)
		final, done, err = s.runIterations(ctx, bonus, keepTail)
		if err != nil {
			return final, err
		}
	}

	if !done {
		final += "\n\n[warning: iteration and extension budget exhausted before the task completed]"
		s.emit(core.OutputChunk{Text: "\n\n[warning: iteration and extension budget exhausted before the task completed]", Done: true})
	}
	s.emit(core.OutputChunk{Done: true})
	return final, nil
}

// runIterations runs up to `budget` calls to runIteration, returning once
// done is true or the budget is exhausted.
func (s *Session) runIterations(ctx context.Context, budget, keepTail int) (final string, done bool, err error) {
	consecutiveToolErrors := 0
	for i := 0; i < budget; i++ {
		var iterDone bool
		final, iterDone, err = s.runIteration(ctx, keepTail, &consecutiveToolErrors)
		if err != nil {
			if aggressive, ok := asContextOverflow(err); ok {
				s.cfg.Logger.Warn("provider reported context overflow, retrying with aggressive trim", "err", aggressive)
				s.trimMessages(max(2, keepTail-4))
				i--
				continue
			}
			return final, false, err
		}
		if iterDone {
			return final, true, nil
		}
	}
	return final, false, nil
}

// runIteration implements spec §4.2's runIteration(messages) -> done.
func (s *Session) runIteration(ctx context.Context, keepTail int, consecutiveToolErrors *int) (string, bool, error) {
	// 1. Context trim.
	s.trimMessages(keepTail)
	estTokens := estimateTokens(s.messages)
	s.cfg.Logger.Debug("context trimmed", "estimated_tokens", estTokens, "keep_tail", keepTail, "message_count", len(s.messages))

	// 2. Provider call (retry composition lives in the Provider chain itself).
	req := core.ChatRequest{
		Model:    s.cfg.Model,
		System:   s.cfg.SystemPrompt,
		Messages: s.messages,
		Tools:    s.cfg.Tools,
	}
	resp, err := s.cfg.Provider.CreateMessage(ctx, req)
	if err != nil {
		return "", false, err
	}

	// 3. Stream text, collect tool_use blocks.
	var text strings.Builder
	var toolUses []core.ContentBlock
	for _, b := range resp.Content {
		switch b.Type {
		case core.BlockText:
			text.WriteString(b.Text)
			s.emit(core.OutputChunk{Text: b.Text})
		case core.BlockToolUse:
			toolUses = append(toolUses, b)
		}
	}

	// 4. Truncated-tool detection.
	if resp.StopReason == core.StopMaxTokens && len(toolUses) > 0 {
		assistant := core.ChatMessage{Role: "assistant", Content: resp.Content}
		s.messages = append(s.messages, assistant)
		var results []core.ContentBlock
		for _, tu := range toolUses {
			results = append(results, core.ToolResultBlock(tu.ToolUseID, truncatedToolMessage, true))
			s.emit(core.OutputChunk{ToolName: tu.ToolName, ToolCallID: tu.ToolUseID, Text: truncatedToolMessage})
		}
		s.messages = append(s.messages, core.ToolResultMessage(results...))
		return text.String(), false, nil
	}

	// 5. Append assistant message; stop if no tools or explicit end_turn.
	s.messages = append(s.messages, core.ChatMessage{Role: "assistant", Content: resp.Content})
	if len(toolUses) == 0 || resp.StopReason == core.StopEndTurn {
		return text.String(), true, nil
	}

	// 6. Execute tools strictly sequentially.
	var results []core.ContentBlock
	for _, tu := range toolUses {
		s.emit(core.OutputChunk{ToolName: tu.ToolName, ToolCallID: tu.ToolUseID})
		result, execErr := s.cfg.Runner.Execute(ctx, tu.ToolName, tu.ToolInput)
		isErr := execErr != nil || result.IsError()
		content := result.Content
		if execErr != nil {
			content = execErr.Error()
		} else if result.IsError() {
			content = result.Error
		}
		if isErr {
			*consecutiveToolErrors++
		} else {
			*consecutiveToolErrors = 0
		}
		content = truncateHeadTail(content, s.cfg.MaxToolResult, tu.ToolName)
		results = append(results, core.ToolResultBlock(tu.ToolUseID, content, isErr))
		s.emit(core.OutputChunk{ToolName: tu.ToolName, ToolCallID: tu.ToolUseID, Text: content})
	}
	s.messages = append(s.messages, core.ToolResultMessage(results...))

	// 7. Consecutive-error self-correction.
	if *consecutiveToolErrors >= 5 {
		s.messages = append(s.messages, core.UserMessage(
			"Several tool calls in a row have failed. Stop, reassess your approach, and explain your plan before trying again."))
		*consecutiveToolErrors = 0
		return text.String(), false, nil
	}

	return text.String(), false, nil
}

// trimMessages keeps the first message (task prompt) and the last keepTail
// messages when the estimated token count exceeds MaxContextToks, then, if
// still over, rewrites every tool_result block longer than 10,000 chars to
// its first 5,000 and last 2,000 chars around an elision marker.
func (s *Session) trimMessages(keepTail int) {
	if estimateTokens(s.messages) <= s.cfg.MaxContextToks {
		return
	}
	if len(s.messages) > keepTail+1 {
		head := s.messages[:1]
		tail := s.messages[len(s.messages)-keepTail:]
		s.messages = append(append([]core.ChatMessage{}, head...), tail...)
	}
	if estimateTokens(s.messages) <= s.cfg.MaxContextToks {
		return
	}
	for i := range s.messages {
		for j := range s.messages[i].Content {
			b := &s.messages[i].Content[j]
			if b.Type == core.BlockToolResult && len(b.ToolResultText) > 10_000 {
				b.ToolResultText = headTailKeep(b.ToolResultText, 5000, 2000, "tool_result")
			}
		}
	}
}

// estimateTokens is the ceil(chars/4) proxy over every message part (spec
// §4.2): text blocks use their text, tool_result uses its content, every
// other non-text block is JSON-stringified.
func estimateTokens(messages []core.ChatMessage) int {
	var tokens int
	for _, m := range messages {
		for _, b := range m.Content {
			var chars int
			switch b.Type {
			case core.BlockText:
				chars = len(b.Text)
			case core.BlockToolResult:
				chars = len(b.ToolResultText)
			default:
				raw, _ := json.Marshal(b)
				chars = len(raw)
			}
			// Every non-empty block costs at least one token.
			tokens += (chars + 3) / 4
		}
	}
	return tokens
}

// truncateHeadTail applies the 70/20 head/tail keep strategy to a single
// tool result: 70% of the budget kept from the head, 20% from the tail,
// the middle elided with a marker naming the original length and tool.
func truncateHeadTail(content string, maxLen int, toolName string) string {
	if len(content) <= maxLen {
		return content
	}
	headLen := maxLen * 70 / 100
	tailLen := maxLen * 20 / 100
	return headTailKeepNamed(content, headLen, tailLen, toolName)
}

func headTailKeep(content string, headLen, tailLen int, label string) string {
	return headTailKeepNamed(content, headLen, tailLen, label)
}

func headTailKeepNamed(content string, headLen, tailLen int, toolName string) string {
	if len(content) <= headLen+tailLen {
		return content
	}
	head := content[:headLen]
	tail := content[len(content)-tailLen:]
	marker := fmt.Sprintf("\n\n[... %d chars elided, original length %d, tool %q ...]\n\n", len(content)-headLen-tailLen, len(content), toolName)
	return head + marker + tail
}

// asContextOverflow reports whether err is a provider message indicating
// the request itself was too large ("too long" / "maximum"), per spec §7's
// aggressive-trim-and-continue error handling path.
func asContextOverflow(err error) (error, bool) {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "too long") || strings.Contains(msg, "maximum") {
		return err, true
	}
	return nil, false
}
