package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// Tool searches the Memory Engine for previously saved facts, scoped to
// one project. The Memory Engine itself performs hybrid vector+keyword
// search with a salience boost (core.MemoryStore.Search) so this tool
// only needs to build the query and format results.
type Tool struct {
	memory      core.MemoryStore
	embedding   core.EmbeddingProvider
	projectPath string
	topK        int
}

// Option configures a Tool.
type Option func(*Tool)

// WithTopK sets the number of results to retrieve. Default is 5.
func WithTopK(n int) Option {
	return func(t *Tool) { t.topK = n }
}

// New creates a Tool searching projectPath's memory.
func New(memory core.MemoryStore, embedding core.EmbeddingProvider, projectPath string, opts ...Option) *Tool {
	t := &Tool{memory: memory, embedding: embedding, projectPath: projectPath, topK: 5}
	for _, o := range opts {
		o(t)
	}
	return t
}

var _ core.Tool = (*Tool)(nil)

func (t *Tool) Name() string { return "knowledge_search" }
func (t *Tool) Description() string {
	return "Search the user's personal knowledge base for previously saved facts, decisions, and preferences."
}
func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"]}`)
}
func (t *Tool) Category() core.ToolCategory { return core.CategoryMemory }

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (core.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return core.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	var vec []float32
	if t.embedding != nil {
		embs, err := t.embedding.Embed(ctx, []string{params.Query})
		if err != nil {
			return core.ToolResult{Error: "embedding error: " + err.Error()}, nil
		}
		if len(embs) > 0 {
			vec = embs[0]
		}
	}

	items, err := t.memory.Search(ctx, core.MemoryQuery{
		ProjectPath: t.projectPath,
		QueryText:   params.Query,
		QueryVector: vec,
		TopK:        t.topK,
	})
	if err != nil {
		return core.ToolResult{Error: "search error: " + err.Error()}, nil
	}

	if len(items) == 0 {
		return core.ToolResult{Content: fmt.Sprintf("No relevant information found for %q.", params.Query)}, nil
	}

	var out strings.Builder
	for i, it := range items {
		fmt.Fprintf(&out, "%d. [%s] %s\n", i+1, it.Type, it.Content)
	}
	return core.ToolResult{Content: out.String()}, nil
}
