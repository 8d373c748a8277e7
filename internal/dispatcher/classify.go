package dispatcher

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// classify runs the read-only tool loop (when tools are configured) and
// parses the model's final answer into a response, retrying once on a
// truncated (max_tokens) reply before degrading to plain chat.
func (d *Dispatcher) classify(ctx context.Context, prompt string) (response, error) {
	messages := []core.ChatMessage{core.UserMessage(prompt)}

	resp, err := d.callWithTools(ctx, messages)
	if err != nil {
		return response{}, err
	}

	text := extractText(resp)
	if resp.StopReason == core.StopMaxTokens {
		retry := append(messages, core.ChatMessage{Role: "assistant", Content: resp.Content},
			core.UserMessage("Your previous reply was cut off. Reply again with ONLY the JSON object, "+
				"no markdown fences, and keep taskDescription under 500 characters."))
		resp2, err := d.cfg.Provider.CreateMessage(ctx, core.ChatRequest{Model: d.cfg.Model, Messages: retry})
		if err == nil {
			if r, ok := parseResponse(extractText(resp2)); ok {
				return r, nil
			}
		}
		return response{Intent: "chat", Reply: truncate(text, 500)}, nil
	}

	if r, ok := parseResponse(text); ok {
		return r, nil
	}
	// Long free text with no recognizable JSON degrades to a direct chat
	// reply instead of an error (step 6 of the fallback chain).
	return response{Intent: "chat", Reply: strings.TrimSpace(text)}, nil
}

// callWithTools runs up to MaxToolRounds of read-only tool calls, feeding
// truncated results back, then returns the model's final response.
func (d *Dispatcher) callWithTools(ctx context.Context, messages []core.ChatMessage) (core.ChatResponse, error) {
	for round := 0; ; round++ {
		req := core.ChatRequest{Model: d.cfg.Model, Messages: messages}
		if round < d.cfg.MaxToolRounds && len(d.cfg.Tools) > 0 && d.cfg.Runner != nil {
			req.Tools = d.cfg.Tools
		}
		resp, err := d.cfg.Provider.CreateMessage(ctx, req)
		if err != nil {
			return core.ChatResponse{}, err
		}
		calls := toolCalls(resp)
		if len(calls) == 0 || round >= d.cfg.MaxToolRounds || d.cfg.Runner == nil {
			return resp, nil
		}
		messages = append(messages, core.ChatMessage{Role: "assistant", Content: resp.Content})
		var results []core.ContentBlock
		for _, c := range calls {
			result, err := d.cfg.Runner.Execute(ctx, c.ToolName, c.ToolInput)
			var out string
			isErr := err != nil
			if err != nil {
				out = err.Error()
			} else {
				out = result.Content
				isErr = isErr || result.IsError()
				if result.IsError() {
					out = result.Error
				}
			}
			results = append(results, core.ToolResultBlock(c.ToolUseID, truncate(out, 8_000), isErr))
		}
		messages = append(messages, core.ToolResultMessage(results...))
	}
}

func toolCalls(resp core.ChatResponse) []core.ContentBlock {
	var calls []core.ContentBlock
	for _, b := range resp.Content {
		if b.Type == core.BlockToolUse {
			calls = append(calls, b)
		}
	}
	return calls
}

func extractText(resp core.ChatResponse) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == core.BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

var (
	fencedJSON  = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	intentRegex = regexp.MustCompile(`"?intent"\s*:\s*"(\w+)"`)
	replyRegex  = regexp.MustCompile(`"?reply"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	titleRegex  = regexp.MustCompile(`"?taskTitle"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	descRegex   = regexp.MustCompile(`"?taskDescription"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// parseResponse runs the 6-step JSON fallback chain over raw model text:
//  1. parse the whole string as JSON
//  2. pull the contents of a ```json fenced block
//  3. take the largest balanced {...} scanning from the end
//  4. slice from the first '{' to the last '}'
//  5. regex-extract intent/reply/taskTitle/taskDescription fields directly
//  6. (caller's responsibility) treat long free text with none of the
//     above as a chat reply
func parseResponse(text string) (response, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return response{}, false
	}

	if r, ok := tryUnmarshal(text); ok {
		return r, true
	}
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		if r, ok := tryUnmarshal(m[1]); ok {
			return r, true
		}
	}
	if s, ok := largestBalancedObject(text); ok {
		if r, ok := tryUnmarshal(s); ok {
			return r, true
		}
	}
	if first, last := strings.Index(text, "{"), strings.LastIndex(text, "}"); first >= 0 && last > first {
		if r, ok := tryUnmarshal(text[first : last+1]); ok {
			return r, true
		}
	}
	if m := intentRegex.FindStringSubmatch(text); m != nil {
		r := response{Intent: m[1]}
		if m := replyRegex.FindStringSubmatch(text); m != nil {
			r.Reply = unescapeJSONString(m[1])
		}
		if m := titleRegex.FindStringSubmatch(text); m != nil {
			r.TaskTitle = unescapeJSONString(m[1])
		}
		if m := descRegex.FindStringSubmatch(text); m != nil {
			r.TaskDescription = unescapeJSONString(m[1])
		}
		return r, true
	}
	return response{}, false
}

func tryUnmarshal(s string) (response, bool) {
	var r response
	if err := json.Unmarshal([]byte(s), &r); err != nil || r.Intent == "" {
		return response{}, false
	}
	return r, true
}

// largestBalancedObject scans from the end of text for the last
// properly-brace-balanced {...} span, which tolerates leading prose the
// model added before the JSON object.
func largestBalancedObject(text string) (string, bool) {
	for end := strings.LastIndex(text, "}"); end >= 0; end = strings.LastIndex(text[:end], "}") {
		depth := 0
		for start := end; start >= 0; start-- {
			switch text[start] {
			case '}':
				depth++
			case '{':
				depth--
				if depth == 0 {
					return text[start : end+1], true
				}
			}
		}
	}
	return "", false
}

func unescapeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}
