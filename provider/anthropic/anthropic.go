// Package anthropic implements core.Provider against the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

const defaultVersion = "2023-06-01"
const defaultMaxTokens = 4096

// Provider implements core.Provider over the Anthropic Messages API.
type Provider struct {
	apiKey  string
	baseURL string
	name    string
	version string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the reported provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient overrides the default *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithAnthropicVersion overrides the anthropic-version header.
func WithAnthropicVersion(v string) Option {
	return func(p *Provider) { p.version = v }
}

// New creates an Anthropic provider. baseURL defaults to the public API
// root; "/v1/messages" is appended.
func New(apiKey, baseURL string, opts ...Option) *Provider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	p := &Provider{apiKey: apiKey, baseURL: baseURL, name: "anthropic", version: defaultVersion, client: &http.Client{}}
	for _, o := range opts {
		o(p)
	}
	return p
}

var _ core.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return p.name }

// CreateMessage implements core.Provider. Unlike the OpenAI wire format,
// Anthropic carries the system prompt as a top-level field (not a
// messages-array entry) and tool results as content blocks inside a
// user-role message rather than a dedicated role.
func (p *Provider) CreateMessage(ctx context.Context, req core.ChatRequest) (core.ChatResponse, error) {
	body := buildRequest(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return core.ChatResponse{}, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return core.ChatResponse{}, fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.version)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		// Transport-level failures (DNS, refused/reset connections,
		// timeouts) are retryable per the transient taxonomy, unlike a
		// 4xx the server actually produced.
		return core.ChatResponse{}, &core.ErrLLM{Provider: "anthropic", Kind: core.ErrTransient, Message: "transport: " + err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.ChatResponse{}, fmt.Errorf("anthropic: read response: %w", err)
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
		return core.ChatResponse{}, fmt.Errorf("anthropic: decode response: %w", err)
	}
	return parseResponse(wire)
}

// --- Request wire types ---

type wireRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []wireMessage   `json:"messages"`
	Tools       []wireTool      `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	ToolChoice  *wireToolChoice `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *wireImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireToolChoice struct {
	Type string `json:"type"`
}

func buildRequest(req core.ChatRequest) wireRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	wr := wireRequest{
		Model:       req.Model,
		System:      req.System,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, buildMessage(m))
	}
	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		wr.Tools = append(wr.Tools, wireTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	if req.ResponseSchema != nil && len(req.ResponseSchema.Schema) > 0 {
		// Anthropic has no native structured-output mode; force the model
		// through a single dedicated tool call instead.
		wr.Tools = append(wr.Tools, wireTool{
			Name:        req.ResponseSchema.Name,
			Description: "Return the result matching this schema.",
			InputSchema: req.ResponseSchema.Schema,
		})
		wr.ToolChoice = &wireToolChoice{Type: "tool"}
	}
	return wr
}

func buildMessage(m core.ChatMessage) wireMessage {
	wm := wireMessage{Role: m.Role}
	for _, c := range m.Content {
		switch c.Type {
		case core.BlockText:
			wm.Content = append(wm.Content, wireBlock{Type: "text", Text: c.Text})
		case core.BlockImage:
			wm.Content = append(wm.Content, wireBlock{
				Type:   "image",
				Source: &wireImageSource{Type: "base64", MediaType: c.ImageMediaType, Data: c.ImageBase64},
			})
		case core.BlockToolUse:
			input := c.ToolInput
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			wm.Content = append(wm.Content, wireBlock{Type: "tool_use", ID: c.ToolUseID, Name: c.ToolName, Input: input})
		case core.BlockToolResult:
			wm.Content = append(wm.Content, wireBlock{
				Type:      "tool_result",
				ToolUseID: c.ToolResultForID,
				Content:   c.ToolResultText,
				IsError:   c.ToolResultError,
			})
		}
	}
	return wm
}

// --- Response wire types ---

type wireResponse struct {
	Content    []wireBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      wireUsage   `json:"usage"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func parseResponse(wire wireResponse) (core.ChatResponse, error) {
	var blocks []core.ContentBlock
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			blocks = append(blocks, core.TextBlock(b.Text))
		case "tool_use":
			blocks = append(blocks, core.ToolUseBlock(b.ID, b.Name, b.Input))
		}
	}
	return core.ChatResponse{
		Content:    blocks,
		StopReason: mapStopReason(wire.StopReason),
		Usage:      core.Usage{InputTokens: wire.Usage.InputTokens, OutputTokens: wire.Usage.OutputTokens},
	}, nil
}

func mapStopReason(reason string) core.StopReason {
	switch reason {
	case "tool_use":
		return core.StopToolUse
	case "max_tokens":
		return core.StopMaxTokens
	default:
		return core.StopEndTurn
	}
}

// parseRetryAfter parses a Retry-After header value (seconds) into a
// second count, 0 if absent or unparsable.
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
