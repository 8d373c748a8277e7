package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// memStore is a minimal in-memory core.TaskStore fake scoped to skills;
// Task/follow-up/config methods are unused no-op stubs.
type memStore struct {
	skills map[string]core.Skill
	order  []string
}

func newMemStore() *memStore {
	return &memStore{skills: make(map[string]core.Skill)}
}

func (s *memStore) CreateSkill(_ context.Context, sk core.Skill) error {
	s.skills[sk.ID] = sk
	s.order = append(s.order, sk.ID)
	return nil
}

func (s *memStore) GetSkill(_ context.Context, id string) (core.Skill, error) {
	sk, ok := s.skills[id]
	if !ok {
		return core.Skill{}, fmt.Errorf("not found: %s", id)
	}
	return sk, nil
}

func (s *memStore) ListSkills(_ context.Context) ([]core.Skill, error) {
	out := make([]core.Skill, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.skills[id])
	}
	return out, nil
}

func (s *memStore) UpdateSkill(_ context.Context, sk core.Skill) error {
	s.skills[sk.ID] = sk
	return nil
}

func (s *memStore) DeleteSkill(_ context.Context, id string) error {
	delete(s.skills, id)
	return nil
}

func (s *memStore) CreateTask(_ context.Context, _ core.Task) error { return nil }
func (s *memStore) GetTask(_ context.Context, _ string) (core.Task, error) {
	return core.Task{}, nil
}
func (s *memStore) ListTasks(_ context.Context, _ core.TaskStatus, _ int) ([]core.Task, error) {
	return nil, nil
}
func (s *memStore) UpdateTask(_ context.Context, _ core.Task) error { return nil }
func (s *memStore) DeleteTask(_ context.Context, _ string) error   { return nil }

func (s *memStore) CreateFollowUp(_ context.Context, _ core.ScheduledFollowUp) error { return nil }
func (s *memStore) ListFollowUps(_ context.Context) ([]core.ScheduledFollowUp, error) {
	return nil, nil
}
func (s *memStore) GetDueFollowUps(_ context.Context, _ int64) ([]core.ScheduledFollowUp, error) {
	return nil, nil
}
func (s *memStore) UpdateFollowUp(_ context.Context, _ core.ScheduledFollowUp) error { return nil }
func (s *memStore) SetFollowUpEnabled(_ context.Context, _ string, _ bool) error     { return nil }
func (s *memStore) DeleteFollowUp(_ context.Context, _ string) error                { return nil }

func (s *memStore) GetConfig(_ context.Context, _ string) (string, error) { return "", nil }
func (s *memStore) SetConfig(_ context.Context, _, _ string) error        { return nil }

func (s *memStore) Init(_ context.Context) error { return nil }
func (s *memStore) Close() error                 { return nil }

func findTool(t *testing.T, tool *Tool, name string) core.Tool {
	t.Helper()
	for _, tl := range tool.Tools() {
		if tl.Name() == name {
			return tl
		}
	}
	t.Fatalf("tool %q not found", name)
	return nil
}

func TestSkillToolsShape(t *testing.T) {
	tool := New(newMemStore())
	tools := tool.Tools()
	if len(tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(tools))
	}
	names := map[string]bool{}
	for _, tl := range tools {
		names[tl.Name()] = true
		if tl.Category() != core.CategorySkill {
			t.Errorf("%s: wrong category %s", tl.Name(), tl.Category())
		}
	}
	for _, want := range []string{"skill_search", "skill_create", "skill_update"} {
		if !names[want] {
			t.Errorf("missing tool %q", want)
		}
	}
}

func TestSkillCreate(t *testing.T) {
	store := newMemStore()
	tool := New(store)
	create := findTool(t, tool, "skill_create")

	args, _ := json.Marshal(map[string]any{
		"name":         "code-reviewer",
		"description":  "Review code changes",
		"instructions": "Analyze code for correctness and style.",
		"tools":        []string{"file_read", "shell_exec"},
	})
	result, err := create.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("tool error: %s", result.Error)
	}
	if !strings.Contains(result.Content, "code-reviewer") {
		t.Errorf("expected skill name in result, got: %s", result.Content)
	}

	all, _ := store.ListSkills(context.Background())
	if len(all) != 1 {
		t.Fatalf("expected 1 created skill, got %d", len(all))
	}
	if all[0].Name != "code-reviewer" {
		t.Errorf("name = %q, want %q", all[0].Name, "code-reviewer")
	}
	if len(all[0].Tools) != 2 || all[0].Tools[0] != "file_read" {
		t.Errorf("tools = %v, want [file_read, shell_exec]", all[0].Tools)
	}
}

func TestSkillCreateMissingFields(t *testing.T) {
	tool := New(newMemStore())
	create := findTool(t, tool, "skill_create")

	args, _ := json.Marshal(map[string]string{"name": "incomplete"})
	result, _ := create.Execute(context.Background(), args)
	if result.Error == "" {
		t.Error("expected error for missing required fields")
	}
}

func TestSkillSearch(t *testing.T) {
	store := newMemStore()
	store.CreateSkill(context.Background(), core.Skill{ID: "s1", Name: "coding", Description: "Write code", Instructions: "Write clean code."})
	store.CreateSkill(context.Background(), core.Skill{ID: "s2", Name: "research", Description: "Research topics", Instructions: "Search the web."})
	tool := New(store)
	search := findTool(t, tool, "skill_search")

	args, _ := json.Marshal(map[string]string{"query": "write code"})
	result, err := search.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("tool error: %s", result.Error)
	}
	if !strings.Contains(result.Content, "coding") {
		t.Errorf("expected 'coding' ranked first, got: %s", result.Content)
	}
}

func TestSkillSearchNoMatch(t *testing.T) {
	store := newMemStore()
	store.CreateSkill(context.Background(), core.Skill{ID: "s1", Name: "coding", Description: "Write code", Instructions: "Write clean code."})
	tool := New(store)
	search := findTool(t, tool, "skill_search")

	args, _ := json.Marshal(map[string]string{"query": "astrophysics"})
	result, _ := search.Execute(context.Background(), args)
	if !strings.Contains(result.Content, "no skills found") {
		t.Errorf("expected 'no skills found', got: %s", result.Content)
	}
}

func TestSkillSearchMissingQuery(t *testing.T) {
	tool := New(newMemStore())
	search := findTool(t, tool, "skill_search")

	result, _ := search.Execute(context.Background(), json.RawMessage(`{}`))
	if result.Error == "" {
		t.Error("expected error for missing query")
	}
}

func TestSkillUpdate(t *testing.T) {
	store := newMemStore()
	store.CreateSkill(context.Background(), core.Skill{
		ID:           "sk-1",
		Name:         "old-name",
		Description:  "old desc",
		Instructions: "old instructions",
	})
	tool := New(store)
	update := findTool(t, tool, "skill_update")

	args, _ := json.Marshal(map[string]any{
		"id":          "sk-1",
		"name":        "new-name",
		"description": "new description",
	})
	result, err := update.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("tool error: %s", result.Error)
	}
	if !strings.Contains(result.Content, "name") || !strings.Contains(result.Content, "description") {
		t.Errorf("expected changed fields in result, got: %s", result.Content)
	}

	sk, _ := store.GetSkill(context.Background(), "sk-1")
	if sk.Name != "new-name" {
		t.Errorf("name = %q, want %q", sk.Name, "new-name")
	}
	if sk.Description != "new description" {
		t.Errorf("description = %q, want %q", sk.Description, "new description")
	}
	if sk.Instructions != "old instructions" {
		t.Errorf("instructions should be unchanged, got %q", sk.Instructions)
	}
}

func TestSkillUpdateNoChanges(t *testing.T) {
	store := newMemStore()
	store.CreateSkill(context.Background(), core.Skill{ID: "sk-1", Name: "test"})
	tool := New(store)
	update := findTool(t, tool, "skill_update")

	args, _ := json.Marshal(map[string]string{"id": "sk-1"})
	result, _ := update.Execute(context.Background(), args)
	if !strings.Contains(result.Content, "no changes") {
		t.Errorf("expected 'no changes', got: %s", result.Content)
	}
}

func TestSkillUpdateNotFound(t *testing.T) {
	tool := New(newMemStore())
	update := findTool(t, tool, "skill_update")

	args, _ := json.Marshal(map[string]any{"id": "nonexistent", "name": "x"})
	result, _ := update.Execute(context.Background(), args)
	if result.Error == "" {
		t.Error("expected error for nonexistent skill")
	}
}
