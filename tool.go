package devopsbot

import (
	"context"
	"encoding/json"
)

// Tool defines a single agent capability. Implementations are registered
// once at startup; category and enablement drive policy filtering
// (internal/toolregistry), not the tool itself.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage // JSON Schema for the tool's input
	Category() ToolCategory
	Execute(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. Content is fed back to the
// model verbatim (subject to the Executor's truncation rules); Error marks
// it as a tool_result with isError=true.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

func (r ToolResult) IsError() bool { return r.Error != "" }

// Definition converts a Tool to the wire ToolDefinition a Provider expects.
func Definition(t Tool) ToolDefinition {
	return ToolDefinition{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()}
}
