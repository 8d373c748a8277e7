package devopsbot

import "context"

// OutputChunk is one unit streamed through the Executor's single output
// sink (spec §9 Open Questions: one pluggable onOutput(chunk), never two).
type OutputChunk struct {
	Text       string // incremental assistant text, may be empty
	ToolName   string // set on tool_use/tool_result events
	ToolCallID string
	Done       bool // true on the final chunk of a session
}

// OutputSink receives streamed Executor output. A nil sink is a valid,
// silent default.
type OutputSink func(chunk OutputChunk)

// Provider abstracts the AI backend (spec §6: createMessage contract).
type Provider interface {
	// CreateMessage sends a request (optionally carrying tools) and returns
	// the complete response: tagged content blocks, stop reason, usage.
	CreateMessage(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "anthropic", "openai").
	Name() string
}

// EmbeddingProvider abstracts text embedding for the Memory Engine.
type EmbeddingProvider interface {
	// Embed returns L2-normalized embedding vectors for the given texts.
	// Implementations must bound batch size (<=256 remote per spec §4.6).
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
