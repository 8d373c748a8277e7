// Package openai implements core.Provider against the OpenAI chat
// completions API (and any OpenAI-compatible endpoint: OpenRouter, Groq,
// Together, vLLM, Ollama — anything reachable by swapping BaseURL).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// Provider implements core.Provider over the OpenAI-format chat
// completions endpoint.
type Provider struct {
	apiKey  string
	baseURL string
	name    string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the reported provider name (useful for OpenAI-
// compatible third parties so logs/metrics distinguish them).
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient overrides the default *http.Client (timeouts, proxies).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates an OpenAI-compatible provider. baseURL is the API root
// (e.g. "https://api.openai.com/v1"); "/chat/completions" is appended.
func New(apiKey, baseURL string, opts ...Option) *Provider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	p := &Provider{apiKey: apiKey, baseURL: baseURL, name: "openai", client: &http.Client{}}
	for _, o := range opts {
		o(p)
	}
	return p
}

var _ core.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return p.name }

// CreateMessage implements core.Provider. It maps core's ContentBlock wire
// contract onto OpenAI's message/tool_call shape: tool_use blocks become
// assistant tool_calls, tool_result blocks become role:"tool" messages
// keyed by tool_call_id, and image blocks become data-URL image_url parts.
func (p *Provider) CreateMessage(ctx context.Context, req core.ChatRequest) (core.ChatResponse, error) {
	body := buildRequest(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return core.ChatResponse{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return core.ChatResponse{}, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		// Transport-level failures (DNS, refused/reset connections,
		// timeouts) are retryable per the transient taxonomy, unlike a
		// 4xx the server actually produced.
		return core.ChatResponse{}, &core.ErrLLM{Provider: "openai", Kind: core.ErrTransient, Message: "transport: " + err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.ChatResponse{}, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return core.ChatResponse{}, &core.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(data),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return core.ChatResponse{}, fmt.Errorf("openai: decode response: %w", err)
	}
	return parseResponse(wire)
}

// --- Request wire types ---

type wireRequest struct {
	Model          string          `json:"model"`
	Messages       []wireMessage   `json:"messages"`
	Tools          []wireTool      `json:"tools,omitempty"`
	MaxTokens      int             `json:"max_completion_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"` // string or []wireContentPart
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

func buildRequest(req core.ChatRequest) wireRequest {
	wr := wireRequest{Model: req.Model, MaxTokens: req.MaxTokens, Temperature: req.Temperature}

	if req.System != "" {
		wr.Messages = append(wr.Messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, buildMessages(m)...)
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		wr.Tools = append(wr.Tools, wireTool{Type: "function", Function: wireFunction{Name: t.Name, Description: t.Description, Parameters: params}})
	}
	if req.ResponseSchema != nil && len(req.ResponseSchema.Schema) > 0 {
		wr.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchema{Name: req.ResponseSchema.Name, Schema: req.ResponseSchema.Schema, Strict: true},
		}
	}
	return wr
}

// buildMessages converts one core.ChatMessage into zero or more wire
// messages: tool_result blocks each become their own role:"tool" message
// (OpenAI has no multi-result message), so one core message can expand.
func buildMessages(m core.ChatMessage) []wireMessage {
	var toolResults []wireMessage
	var toolCalls []wireToolCall
	var parts []wireContentPart
	var plainText strings.Builder

	for _, c := range m.Content {
		switch c.Type {
		case core.BlockText:
			plainText.WriteString(c.Text)
			parts = append(parts, wireContentPart{Type: "text", Text: c.Text})
		case core.BlockImage:
			url := fmt.Sprintf("data:%s;base64,%s", c.ImageMediaType, c.ImageBase64)
			parts = append(parts, wireContentPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
		case core.BlockToolUse:
			args := c.ToolInput
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			toolCalls = append(toolCalls, wireToolCall{ID: c.ToolUseID, Type: "function", Function: wireFunctionCall{Name: c.ToolName, Arguments: string(args)}})
		case core.BlockToolResult:
			content := c.ToolResultText
			if c.ToolResultError {
				content = "ERROR: " + content
			}
			toolResults = append(toolResults, wireMessage{Role: "tool", ToolCallID: c.ToolResultForID, Content: content})
		}
	}

	if len(toolResults) > 0 {
		return toolResults
	}

	role := m.Role
	msg := wireMessage{Role: role}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
		if plainText.Len() > 0 {
			msg.Content = plainText.String()
		}
		return []wireMessage{msg}
	}
	if len(parts) == 1 && parts[0].Type == "text" {
		msg.Content = parts[0].Text
	} else if len(parts) > 0 {
		msg.Content = parts
	}
	return []wireMessage{msg}
}

// --- Response wire types ---

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
}

type wireChoice struct {
	Message      wireRespMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type wireRespMessage struct {
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func parseResponse(wire wireResponse) (core.ChatResponse, error) {
	if len(wire.Choices) == 0 {
		return core.ChatResponse{}, fmt.Errorf("openai: empty choices in response")
	}
	choice := wire.Choices[0]

	var blocks []core.ContentBlock
	if choice.Message.Content != "" {
		blocks = append(blocks, core.TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		blocks = append(blocks, core.ToolUseBlock(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}

	return core.ChatResponse{
		Content:    blocks,
		StopReason: mapStopReason(choice.FinishReason, len(choice.Message.ToolCalls) > 0),
		Usage:      core.Usage{InputTokens: wire.Usage.PromptTokens, OutputTokens: wire.Usage.CompletionTokens},
	}, nil
}

// parseRetryAfter parses a Retry-After header value (seconds, the only
// form OpenAI-compatible APIs send) into a second count, 0 if absent or
// unparsable.
func parseRetryAfter(v string) int64 {
	if v == "" {
		return 0
	}
	var n int64
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0
	}
	return n
}

func mapStopReason(finish string, hasToolCalls bool) core.StopReason {
	switch {
	case hasToolCalls || finish == "tool_calls":
		return core.StopToolUse
	case finish == "length":
		return core.StopMaxTokens
	default:
		return core.StopEndTurn
	}
}
