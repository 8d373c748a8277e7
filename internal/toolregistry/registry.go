// Package toolregistry resolves which tools an Executor or Dispatcher may
// call, and tracks per-tool call metrics (spec §4.4).
package toolregistry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// Metrics is the running call/error/latency tally for one tool.
type Metrics struct {
	Calls           int64
	Errors          int64
	TotalDurationMs int64
}

// Registry holds every registered tool and dispatches execution by name,
// generalizing the teacher's name-lookup ToolRegistry with category
// grouping, policy filtering, and metrics.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]core.Tool
	metrics map[string]*Metrics
}

func New() *Registry {
	return &Registry{byName: map[string]core.Tool{}, metrics: map[string]*Metrics{}}
}

// Register adds a tool, replacing any prior registration under the same
// name.
func (r *Registry) Register(t core.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[t.Name()] = t
	if _, ok := r.metrics[t.Name()]; !ok {
		r.metrics[t.Name()] = &Metrics{}
	}
}

// Get returns a single tool by exact name.
func (r *Registry) Get(name string) (core.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// GetAll returns every registered tool.
func (r *Registry) GetAll() []core.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Tool, 0, len(r.byName))
	for _, t := range r.byName {
		out = append(out, t)
	}
	return out
}

// GetByCategory returns every tool tagged with the given category.
func (r *Registry) GetByCategory(cat core.ToolCategory) []core.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []core.Tool
	for _, t := range r.byName {
		if t.Category() == cat {
			out = append(out, t)
		}
	}
	return out
}

// GetFiltered returns every registered tool allowed by policy.
func (r *Registry) GetFiltered(policy core.ToolPolicy) []core.Tool {
	all := r.GetAll()
	out := make([]core.Tool, 0, len(all))
	for _, t := range all {
		if Allowed(policy, t.Name(), t.Category()) {
			out = append(out, t)
		}
	}
	return out
}

// Definitions converts a tool slice to provider-facing ToolDefinitions.
func Definitions(tools []core.Tool) []core.ToolDefinition {
	defs := make([]core.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = core.Definition(t)
	}
	return defs
}

// Execute dispatches by name, recording metrics regardless of outcome.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (core.ToolResult, error) {
	t, ok := r.Get(name)
	if !ok {
		return core.ToolResult{Error: "unknown tool: " + name}, nil
	}
	start := time.Now()
	result, err := t.Execute(ctx, args)
	r.record(name, time.Since(start), err != nil || result.IsError())
	return result, err
}

func (r *Registry) record(name string, dur time.Duration, isErr bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.metrics[name]
	if !ok {
		m = &Metrics{}
		r.metrics[name] = m
	}
	m.Calls++
	m.TotalDurationMs += dur.Milliseconds()
	if isErr {
		m.Errors++
	}
}

// MetricsFor returns a snapshot of one tool's metrics.
func (r *Registry) MetricsFor(name string) Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.metrics[name]; ok {
		return *m
	}
	return Metrics{}
}

// groupMembers maps a `group:<category>` policy entry to the category it
// expands to.
var groupMembers = map[string]core.ToolCategory{
	"group:file-read":  core.CategoryFileRead,
	"group:file-write": core.CategoryFileWrite,
	"group:search":     core.CategorySearch,
	"group:shell":      core.CategoryShell,
	"group:skill":      core.CategorySkill,
	"group:memory":     core.CategoryMemory,
	"group:git":        core.CategoryGit,
	"group:delete":     core.CategoryDelete,
	"group:data":       core.CategoryData,
	"group:http":       core.CategoryHTTP,
	"group:schedule":   core.CategorySchedule,
}

// Allowed resolves a ToolPolicy against one tool's name and category. Deny
// always wins; an empty Allow list means allow-all; entries may be a
// literal name, a `group:<category>` reference, or a trailing `*`
// wildcard (spec §4.4).
func Allowed(policy core.ToolPolicy, name string, cat core.ToolCategory) bool {
	if matchesAny(policy.Deny, name, cat) {
		return false
	}
	if len(policy.Allow) == 0 {
		return true
	}
	return matchesAny(policy.Allow, name, cat)
}

func matchesAny(entries []string, name string, cat core.ToolCategory) bool {
	for _, e := range entries {
		if matchesOne(e, name, cat) {
			return true
		}
	}
	return false
}

func matchesOne(entry, name string, cat core.ToolCategory) bool {
	if group, ok := groupMembers[entry]; ok {
		return group == cat
	}
	if strings.HasSuffix(entry, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(entry, "*"))
	}
	return entry == name
}
