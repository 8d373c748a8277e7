// Package toolchannel carries tool definitions and invocations between an
// Executor and one or more out-of-process tool registries, over a
// line-delimited JSON protocol (§4.4). It is the out-of-process alternative
// to wiring an internal/toolregistry.Registry directly into the Executor's
// Runner field; cmd/devopsbot uses the in-process form, cmd/sandboxd serves
// this one.
package toolchannel

import (
	"encoding/json"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// Method names carried in every Request.
const (
	MethodListTools = "list_tools"
	MethodExecute   = "execute"
)

// Request is one line of the wire protocol, client to server.
type Request struct {
	ID     string `json:"id"`
	Method string `json:"method"`

	// execute only
	Tool string          `json:"tool,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is one line of the wire protocol, server to client. Exactly one
// of Tools or Result is set on success; Error is set on failure.
type Response struct {
	ID     string                `json:"id"`
	Tools  []core.ToolDefinition `json:"tools,omitempty"`
	Result *core.ToolResult      `json:"result,omitempty"`
	Error  string                `json:"error,omitempty"`
}
