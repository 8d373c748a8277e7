package toolchannel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// Client is one connection to a tool-channel endpoint. It lists the
// endpoint's tools once at connect time and serializes every subsequent
// request/response pair over the same connection.
type Client struct {
	endpoint string
	conn     net.Conn
	reader   *bufio.Scanner
	enc      *json.Encoder

	mu    sync.Mutex
	seq   int64
	tools []core.ToolDefinition
}

// Dial connects to a tool-channel endpoint and performs the list_tools
// handshake. network/address follow net.Dial (e.g. "unix", "/run/x.sock" or
// "tcp", "127.0.0.1:9100").
func Dial(ctx context.Context, endpoint, network, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("toolchannel: dial %s: %w", endpoint, err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)
	c := &Client{endpoint: endpoint, conn: conn, reader: scanner, enc: json.NewEncoder(conn)}

	tools, err := c.call(Request{Method: MethodListTools})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("toolchannel: list_tools on %s: %w", endpoint, err)
	}
	c.tools = tools.Tools
	return c, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Endpoint returns the name this client was registered under.
func (c *Client) Endpoint() string { return c.endpoint }

// Tools returns the definitions this endpoint reported at connect time.
func (c *Client) Tools() []core.ToolDefinition { return c.tools }

// Execute invokes tool on this endpoint.
func (c *Client) Execute(ctx context.Context, tool string, args json.RawMessage) (core.ToolResult, error) {
	resp, err := c.call(Request{Method: MethodExecute, Tool: tool, Args: args})
	if err != nil {
		return core.ToolResult{}, err
	}
	if resp.Result == nil {
		return core.ToolResult{}, fmt.Errorf("toolchannel: %s returned no result for %s", c.endpoint, tool)
	}
	return *resp.Result, nil
}

// call sends req and blocks for the matching response. One connection
// serves one in-flight request at a time -- the Executor dispatches tool
// calls for a single iteration sequentially (§5), so this never contends.
func (c *Client) call(req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	req.ID = fmt.Sprintf("%s-%d", c.endpoint, c.seq)

	if err := c.enc.Encode(req); err != nil {
		return Response{}, fmt.Errorf("toolchannel: write request: %w", err)
	}
	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return Response{}, fmt.Errorf("toolchannel: read response: %w", err)
		}
		return Response{}, fmt.Errorf("toolchannel: connection closed by %s", c.endpoint)
	}

	var resp Response
	if err := json.Unmarshal(c.reader.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("toolchannel: decode response: %w", err)
	}
	if resp.Error != "" {
		return Response{}, &core.ErrToolExecution{Tool: req.Tool, Err: fmt.Errorf("%s", resp.Error)}
	}
	return resp, nil
}

// MultiClient fans a single Executor session's tool calls out across every
// connected endpoint, namespacing each tool as "<endpoint>__<tool>" so
// identically-named tools on different endpoints never collide (§4.4).
type MultiClient struct {
	clients map[string]*Client
}

// NewMultiClient aggregates already-dialed clients, keyed by endpoint name.
func NewMultiClient(clients ...*Client) *MultiClient {
	m := &MultiClient{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		m.clients[c.Endpoint()] = c
	}
	return m
}

// Definitions returns every endpoint's tools under its namespaced name.
func (m *MultiClient) Definitions() []core.ToolDefinition {
	var defs []core.ToolDefinition
	for endpoint, c := range m.clients {
		for _, d := range c.Tools() {
			d.Name = endpoint + "__" + d.Name
			defs = append(defs, d)
		}
	}
	return defs
}

// Execute splits name on "__" and routes to the matching endpoint.
func (m *MultiClient) Execute(ctx context.Context, name string, args json.RawMessage) (core.ToolResult, error) {
	endpoint, tool, ok := strings.Cut(name, "__")
	if !ok {
		return core.ToolResult{Error: "malformed tool name, expected <endpoint>__<tool>: " + name}, nil
	}
	c, ok := m.clients[endpoint]
	if !ok {
		return core.ToolResult{Error: "unknown tool-channel endpoint: " + endpoint}, nil
	}
	return c.Execute(ctx, tool, args)
}

// Close closes every underlying connection.
func (m *MultiClient) Close() error {
	var firstErr error
	for _, c := range m.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
