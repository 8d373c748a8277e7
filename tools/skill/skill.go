// Package skill exposes skill management to agents through the standard Tool interface.
// Agents can search for, create, and update skills at runtime — enabling self-improvement
// loops where agents encode learned patterns as reusable instruction packages.
package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// Tool manages skills — stored instruction packages that specialize agent behavior.
type Tool struct {
	store core.TaskStore
}

// New creates a skill Tool.
func New(store core.TaskStore) *Tool {
	return &Tool{store: store}
}

// Tools returns the skill management tools: skill_search, skill_create, skill_update.
func (t *Tool) Tools() []core.Tool {
	return []core.Tool{
		skillTool{
			owner: t,
			name:  "skill_search",
			desc:  "Search for relevant skills by keyword match against name, description and instructions. Returns the top matching skills.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"query":{"type":"string","description":"Natural language query to find relevant skills"}
			},"required":["query"]}`),
			fn: (*Tool).dispatchSearch,
		},
		skillTool{
			owner: t,
			name:  "skill_create",
			desc:  "Create a new skill from experience. A skill is a stored instruction package that can specialize agent behavior for specific tasks.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"name":{"type":"string","description":"Short identifier for the skill (e.g. code-reviewer, data-analyst)"},
				"description":{"type":"string","description":"What this skill does, used for search matching"},
				"instructions":{"type":"string","description":"Detailed instructions injected into the agent system prompt when this skill is active"},
				"tools":{"type":"array","items":{"type":"string"},"description":"Optional list of tool names this skill should use (empty = all)"}
			},"required":["name","description","instructions"]}`),
			fn: (*Tool).dispatchCreate,
		},
		skillTool{
			owner: t,
			name:  "skill_update",
			desc:  "Update an existing skill. Only provided fields are changed; omitted fields keep their current values.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"id":{"type":"string","description":"ID of the skill to update"},
				"name":{"type":"string","description":"New name"},
				"description":{"type":"string","description":"New description"},
				"instructions":{"type":"string","description":"New instructions"},
				"tools":{"type":"array","items":{"type":"string"},"description":"New tool list (replaces existing)"}
			},"required":["id"]}`),
			fn: (*Tool).dispatchUpdate,
		},
	}
}

// skillTool adapts one of Tool's dispatch methods into the single-purpose core.Tool contract.
type skillTool struct {
	owner  *Tool
	name   string
	desc   string
	schema json.RawMessage
	fn     func(*Tool, context.Context, json.RawMessage) (core.ToolResult, error)
}

func (s skillTool) Name() string               { return s.name }
func (s skillTool) Description() string        { return s.desc }
func (s skillTool) Schema() json.RawMessage     { return s.schema }
func (s skillTool) Category() core.ToolCategory { return core.CategorySkill }
func (s skillTool) Execute(ctx context.Context, args json.RawMessage) (core.ToolResult, error) {
	return s.fn(s.owner, ctx, args)
}

func (t *Tool) dispatchSearch(ctx context.Context, args json.RawMessage) (core.ToolResult, error) {
	result, err := t.handleSearch(ctx, args)
	if err != nil {
		return core.ToolResult{Error: err.Error()}, nil
	}
	return core.ToolResult{Content: result}, nil
}

func (t *Tool) dispatchCreate(ctx context.Context, args json.RawMessage) (core.ToolResult, error) {
	result, err := t.handleCreate(ctx, args)
	if err != nil {
		return core.ToolResult{Error: err.Error()}, nil
	}
	return core.ToolResult{Content: result}, nil
}

func (t *Tool) dispatchUpdate(ctx context.Context, args json.RawMessage) (core.ToolResult, error) {
	result, err := t.handleUpdate(ctx, args)
	if err != nil {
		return core.ToolResult{Error: err.Error()}, nil
	}
	return core.ToolResult{Content: result}, nil
}

type scoredSkill struct {
	skill core.Skill
	score float64
}

func (t *Tool) handleSearch(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if p.Query == "" {
		return "", fmt.Errorf("query is required")
	}

	all, err := t.store.ListSkills(ctx)
	if err != nil {
		return "", err
	}

	var scored []scoredSkill
	for _, sk := range all {
		if score := keywordScore(p.Query, sk); score > 0 {
			scored = append(scored, scoredSkill{skill: sk, score: score})
		}
	}

	if len(scored) == 0 {
		return "no skills found matching query", nil
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > 5 {
		scored = scored[:5]
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%d skill(s) found:\n\n", len(scored))
	for i, r := range scored {
		fmt.Fprintf(&out, "%d. %s (score: %.2f)\n   ID: %s\n   %s\n   Instructions: %s\n\n",
			i+1, r.skill.Name, r.score, r.skill.ID, r.skill.Description, r.skill.Instructions)
	}
	return out.String(), nil
}

// keywordScore is the fraction of query words found in the skill's name,
// description, or instructions. No embedding is stored against skills, so
// matching is lexical rather than semantic.
func keywordScore(query string, sk core.Skill) float64 {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return 0
	}
	haystack := strings.ToLower(sk.Name + " " + sk.Description + " " + sk.Instructions)
	matches := 0
	for _, w := range words {
		if strings.Contains(haystack, w) {
			matches++
		}
	}
	return float64(matches) / float64(len(words))
}

func (t *Tool) handleCreate(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Name         string   `json:"name"`
		Description  string   `json:"description"`
		Instructions string   `json:"instructions"`
		Tools        []string `json:"tools"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if p.Name == "" || p.Description == "" || p.Instructions == "" {
		return "", fmt.Errorf("name, description, and instructions are required")
	}

	skill := core.Skill{
		ID:           core.NewID(),
		Name:         p.Name,
		Description:  p.Description,
		Instructions: p.Instructions,
		Tools:        p.Tools,
		CreatedAt:    core.NowUnix(),
	}

	if err := t.store.CreateSkill(ctx, skill); err != nil {
		return "", err
	}

	return fmt.Sprintf("created skill %q (id: %s)", skill.Name, skill.ID), nil
}

func (t *Tool) handleUpdate(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		ID           string   `json:"id"`
		Name         *string  `json:"name"`
		Description  *string  `json:"description"`
		Instructions *string  `json:"instructions"`
		Tools        []string `json:"tools"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if p.ID == "" {
		return "", fmt.Errorf("skill id is required")
	}

	skill, err := t.store.GetSkill(ctx, p.ID)
	if err != nil {
		return "", fmt.Errorf("skill not found: %w", err)
	}

	var changes []string
	if p.Name != nil {
		skill.Name = *p.Name
		changes = append(changes, "name")
	}
	if p.Description != nil {
		skill.Description = *p.Description
		changes = append(changes, "description")
	}
	if p.Instructions != nil {
		skill.Instructions = *p.Instructions
		changes = append(changes, "instructions")
	}
	if p.Tools != nil {
		skill.Tools = p.Tools
		changes = append(changes, "tools")
	}

	if len(changes) == 0 {
		return "no changes specified", nil
	}

	if err := t.store.UpdateSkill(ctx, skill); err != nil {
		return "", err
	}

	return fmt.Sprintf("updated skill %q: %s", skill.Name, strings.Join(changes, ", ")), nil
}
