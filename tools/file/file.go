package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// Tool provides file operations within a sandboxed workspace.
type Tool struct {
	workspacePath string
}

// New creates a FileTool restricted to workspacePath.
func New(workspacePath string) *Tool {
	return &Tool{workspacePath: workspacePath}
}

// Tools returns the five file_* tools bound to this workspace.
func (t *Tool) Tools() []core.Tool {
	return []core.Tool{
		fileTool{t, "file_read", "Read a file from the workspace. PDF files are extracted to plain text. Returns the file content (truncated to 8000 chars if large).",
			json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`),
			core.CategoryFileRead, t.dispatchRead},
		fileTool{t, "file_write", "Write content to a file in the workspace. Creates parent directories if needed.",
			json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
			core.CategoryFileWrite, t.dispatchWrite},
		fileTool{t, "file_list", "List files and directories in a workspace directory. Returns one entry per line with type prefix (file/dir) and name.",
			json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to workspace (empty or '.' for root)"}}}`),
			core.CategoryFileRead, t.dispatchList},
		fileTool{t, "file_delete", "Delete a file or empty directory from the workspace.",
			json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File or directory path relative to workspace"}},"required":["path"]}`),
			core.CategoryDelete, t.dispatchDelete},
		fileTool{t, "file_stat", "Get metadata for a file or directory in the workspace. Returns name, size, type, and modification time.",
			json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File or directory path relative to workspace"}},"required":["path"]}`),
			core.CategoryFileRead, t.dispatchStat},
	}
}

type fileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *Tool) parseArgs(args json.RawMessage) (fileArgs, string, error) {
	var p fileArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return p, "", fmt.Errorf("invalid args: %w", err)
	}
	path := p.Path
	if path == "" {
		path = "."
	}
	resolved, err := t.resolvePath(path)
	return p, resolved, err
}

func (t *Tool) dispatchRead(_ context.Context, args json.RawMessage) (core.ToolResult, error) {
	_, resolved, err := t.parseArgs(args)
	if err != nil {
		return core.ToolResult{Error: err.Error()}, nil
	}
	return t.read(resolved)
}

func (t *Tool) dispatchWrite(_ context.Context, args json.RawMessage) (core.ToolResult, error) {
	p, resolved, err := t.parseArgs(args)
	if err != nil {
		return core.ToolResult{Error: err.Error()}, nil
	}
	return t.write(resolved, p.Content)
}

func (t *Tool) dispatchList(_ context.Context, args json.RawMessage) (core.ToolResult, error) {
	_, resolved, err := t.parseArgs(args)
	if err != nil {
		return core.ToolResult{Error: err.Error()}, nil
	}
	return t.list(resolved)
}

func (t *Tool) dispatchDelete(_ context.Context, args json.RawMessage) (core.ToolResult, error) {
	_, resolved, err := t.parseArgs(args)
	if err != nil {
		return core.ToolResult{Error: err.Error()}, nil
	}
	return t.remove(resolved)
}

func (t *Tool) dispatchStat(_ context.Context, args json.RawMessage) (core.ToolResult, error) {
	_, resolved, err := t.parseArgs(args)
	if err != nil {
		return core.ToolResult{Error: err.Error()}, nil
	}
	return t.stat(resolved)
}

// fileTool adapts one file_* operation bound to a *Tool workspace to
// core.Tool.
type fileTool struct {
	owner  *Tool
	name   string
	desc   string
	schema json.RawMessage
	cat    core.ToolCategory
	fn     func(context.Context, json.RawMessage) (core.ToolResult, error)
}

func (f fileTool) Name() string                { return f.name }
func (f fileTool) Description() string         { return f.desc }
func (f fileTool) Schema() json.RawMessage     { return f.schema }
func (f fileTool) Category() core.ToolCategory { return f.cat }
func (f fileTool) Execute(ctx context.Context, args json.RawMessage) (core.ToolResult, error) {
	return f.fn(ctx, args)
}

func (t *Tool) resolvePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspacePath, path)
	// Double-check it's still within workspace
	if !strings.HasPrefix(resolved, t.workspacePath) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *Tool) read(path string) (core.ToolResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.ToolResult{Error: "read error: " + err.Error()}, nil
	}
	content := string(data)
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		content, err = extractPDFText(data)
		if err != nil {
			return core.ToolResult{Error: "pdf extract error: " + err.Error()}, nil
		}
	}
	if len(content) > 8000 {
		content = content[:8000] + "\n... (truncated)"
	}
	return core.ToolResult{Content: content}, nil
}

// extractPDFText extracts plain text from a PDF body so attachments and repo
// docs can be read like any other file.
func extractPDFText(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty PDF content")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}
	return strings.TrimSpace(string(text)), nil
}

func (t *Tool) write(path, content string) (core.ToolResult, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return core.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return core.ToolResult{Error: "write error: " + err.Error()}, nil
	}
	return core.ToolResult{Content: fmt.Sprintf("Written %d bytes to %s", len(content), filepath.Base(path))}, nil
}

func (t *Tool) list(path string) (core.ToolResult, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return core.ToolResult{Error: "list error: " + err.Error()}, nil
	}
	var b strings.Builder
	for _, e := range entries {
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		fmt.Fprintf(&b, "%s\t%s\n", kind, e.Name())
	}
	return core.ToolResult{Content: b.String()}, nil
}

func (t *Tool) remove(path string) (core.ToolResult, error) {
	if err := os.Remove(path); err != nil {
		return core.ToolResult{Error: "delete error: " + err.Error()}, nil
	}
	return core.ToolResult{Content: fmt.Sprintf("Deleted %s", filepath.Base(path))}, nil
}

func (t *Tool) stat(path string) (core.ToolResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return core.ToolResult{Error: "stat error: " + err.Error()}, nil
	}
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	out, _ := json.Marshal(map[string]any{
		"name":     info.Name(),
		"size":     info.Size(),
		"type":     kind,
		"modified": info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	})
	return core.ToolResult{Content: string(out)}, nil
}
