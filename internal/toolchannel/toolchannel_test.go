package toolchannel

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"testing"

	core "github.com/xxxxxccc/devops-bot-sub000"
	"github.com/xxxxxccc/devops-bot-sub000/internal/toolregistry"
)

type fakeTool struct {
	name string
	fail bool
}

func (f *fakeTool) Name() string                { return f.name }
func (f *fakeTool) Description() string         { return "fake tool " + f.name }
func (f *fakeTool) Schema() json.RawMessage     { return json.RawMessage(`{}`) }
func (f *fakeTool) Category() core.ToolCategory { return core.CategoryData }
func (f *fakeTool) Execute(_ context.Context, args json.RawMessage) (core.ToolResult, error) {
	if f.fail {
		return core.ToolResult{Error: "boom"}, nil
	}
	return core.ToolResult{Content: "echo:" + string(args)}, nil
}

var _ core.Tool = (*fakeTool)(nil)

// startServer serves a registry with the given tools on a loopback TCP
// listener and returns its address.
func startServer(t *testing.T, tools ...core.Tool) string {
	t.Helper()
	reg := toolregistry.New()
	for _, tl := range tools {
		reg.Register(tl)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := NewServer(reg, nil)
	go srv.Serve(ctx, l)
	return l.Addr().String()
}

func TestClientHandshakeAndExecute(t *testing.T) {
	addr := startServer(t, &fakeTool{name: "echo"})

	c, err := Dial(context.Background(), "sandbox", "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	tools := c.Tools()
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("unexpected tool list: %+v", tools)
	}

	result, err := c.Execute(context.Background(), "echo", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Content != `echo:{"x":1}` {
		t.Errorf("unexpected content: %q", result.Content)
	}
}

func TestClientSequentialCalls(t *testing.T) {
	addr := startServer(t, &fakeTool{name: "echo"})

	c, err := Dial(context.Background(), "sandbox", "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	for i := 0; i < 5; i++ {
		if _, err := c.Execute(context.Background(), "echo", json.RawMessage(`"again"`)); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
}

func TestExecuteUnknownToolReturnsErrorResult(t *testing.T) {
	addr := startServer(t, &fakeTool{name: "echo"})

	c, err := Dial(context.Background(), "sandbox", "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	// The registry reports unknown tools as an error ToolResult, not a
	// protocol error, so the Executor can feed it back to the model.
	result, err := c.Execute(context.Background(), "nope", nil)
	if err != nil {
		t.Fatalf("unexpected protocol error: %v", err)
	}
	if result.Error == "" {
		t.Error("expected error result for unknown tool")
	}
}

func TestMultiClientNamespacing(t *testing.T) {
	addrA := startServer(t, &fakeTool{name: "echo"})
	addrB := startServer(t, &fakeTool{name: "echo"})

	ca, err := Dial(context.Background(), "alpha", "tcp", addrA)
	if err != nil {
		t.Fatalf("dial alpha: %v", err)
	}
	cb, err := Dial(context.Background(), "beta", "tcp", addrB)
	if err != nil {
		t.Fatalf("dial beta: %v", err)
	}

	m := NewMultiClient(ca, cb)
	defer m.Close()

	defs := m.Definitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 namespaced tools, got %d", len(defs))
	}
	names := map[string]bool{}
	for _, d := range defs {
		names[d.Name] = true
	}
	if !names["alpha__echo"] || !names["beta__echo"] {
		t.Errorf("missing namespaced names: %v", names)
	}

	result, err := m.Execute(context.Background(), "alpha__echo", json.RawMessage(`1`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Content != "echo:1" {
		t.Errorf("unexpected content: %q", result.Content)
	}

	result, _ = m.Execute(context.Background(), "no-separator", nil)
	if result.Error == "" {
		t.Error("expected malformed-name error result")
	}
	result, _ = m.Execute(context.Background(), "gamma__echo", nil)
	if result.Error == "" {
		t.Error("expected unknown-endpoint error result")
	}
}

func TestDialAllClosesOnPartialFailure(t *testing.T) {
	addr := startServer(t, &fakeTool{name: "echo"})

	_, err := DialAll(context.Background(), []EndpointConfig{
		{Name: "good", Network: "tcp", Address: addr},
		{Name: "bad", Network: "tcp", Address: "127.0.0.1:1"},
	})
	if err == nil {
		t.Fatal("expected dial failure for unreachable endpoint")
	}
}

func TestLoadConfig(t *testing.T) {
	path := t.TempDir() + "/endpoints.json"
	if err := os.WriteFile(path, []byte(`[{"name":"sandbox","network":"unix","address":"/tmp/s.sock"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	eps, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(eps) != 1 || eps[0].Name != "sandbox" || eps[0].Network != "unix" {
		t.Errorf("unexpected endpoints: %+v", eps)
	}

	if _, err := LoadConfig(t.TempDir() + "/missing.json"); err == nil {
		t.Error("expected error for missing config file")
	}
}
