package schedule

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

type memStore struct {
	mu        sync.Mutex
	followUps map[string]core.ScheduledFollowUp
}

func newMemStore() *memStore {
	return &memStore{followUps: map[string]core.ScheduledFollowUp{}}
}

func (m *memStore) CreateFollowUp(_ context.Context, f core.ScheduledFollowUp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followUps[f.ID] = f
	return nil
}

func (m *memStore) ListFollowUps(_ context.Context) ([]core.ScheduledFollowUp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.ScheduledFollowUp, 0, len(m.followUps))
	for _, f := range m.followUps {
		out = append(out, f)
	}
	return out, nil
}

func (m *memStore) GetDueFollowUps(_ context.Context, now int64) ([]core.ScheduledFollowUp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.ScheduledFollowUp
	for _, f := range m.followUps {
		if f.Enabled && f.NextRun <= now {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memStore) UpdateFollowUp(_ context.Context, f core.ScheduledFollowUp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followUps[f.ID] = f
	return nil
}

func (m *memStore) SetFollowUpEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.followUps[id]
	f.Enabled = enabled
	m.followUps[id] = f
	return nil
}

func (m *memStore) DeleteFollowUp(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.followUps, id)
	return nil
}

// The remaining TaskStore methods are unused by these tests; memStore only
// needs to satisfy the interface.
func (m *memStore) CreateTask(context.Context, core.Task) error { return nil }
func (m *memStore) GetTask(context.Context, string) (core.Task, error) {
	return core.Task{}, nil
}
func (m *memStore) ListTasks(context.Context, core.TaskStatus, int) ([]core.Task, error) {
	return nil, nil
}
func (m *memStore) UpdateTask(context.Context, core.Task) error { return nil }
func (m *memStore) DeleteTask(context.Context, string) error    { return nil }

func (m *memStore) CreateSkill(context.Context, core.Skill) error { return nil }
func (m *memStore) GetSkill(context.Context, string) (core.Skill, error) {
	return core.Skill{}, nil
}
func (m *memStore) ListSkills(context.Context) ([]core.Skill, error) { return nil, nil }
func (m *memStore) UpdateSkill(context.Context, core.Skill) error    { return nil }
func (m *memStore) DeleteSkill(context.Context, string) error       { return nil }

func (m *memStore) GetConfig(context.Context, string) (string, error) { return "", nil }
func (m *memStore) SetConfig(context.Context, string, string) error   { return nil }

func (m *memStore) Init(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func findTool(t *testing.T, tool *Tool, name string) core.Tool {
	t.Helper()
	for _, tl := range tool.Tools() {
		if tl.Name() == name {
			return tl
		}
	}
	t.Fatalf("no such tool: %s", name)
	return nil
}

func TestBuildScheduleString(t *testing.T) {
	if s := buildScheduleString("14:30", "daily", ""); s != "14:30 daily" {
		t.Errorf("got %q", s)
	}
	if s := buildScheduleString("08:00", "once", ""); s != "08:00 once" {
		t.Errorf("got %q", s)
	}
	if s := buildScheduleString("09:00", "weekly", "friday"); s != "09:00 weekly(friday)" {
		t.Errorf("got %q", s)
	}
	if s := buildScheduleString("10:00", "custom", "Mon, Wed, Fri"); s != "10:00 custom(mon,wed,fri)" {
		t.Errorf("got %q", s)
	}
}

func TestBuildScheduleStringEmptyTime(t *testing.T) {
	// Empty time should default to "08:00"
	s := buildScheduleString("", "daily", "")
	if s != "08:00 daily" {
		t.Errorf("expected '08:00 daily', got %q", s)
	}
}

func TestBuildRecurrencePart(t *testing.T) {
	tests := []struct {
		recurrence string
		day        string
		want       string
	}{
		{"once", "", "once"},
		{"daily", "", "daily"},
		{"weekly", "friday", "weekly(friday)"},
		{"weekly", "", "weekly(monday)"},
		{"monthly", "15", "monthly(15)"},
		{"monthly", "", "monthly(1)"},
		{"custom", "Mon,Wed,Fri", "custom(mon,wed,fri)"},
		{"custom", "", "custom(monday,wednesday,friday)"},
		{"unknown", "", "daily"},
	}
	for _, tt := range tests {
		got := buildRecurrencePart(tt.recurrence, tt.day)
		if got != tt.want {
			t.Errorf("buildRecurrencePart(%q, %q) = %q, want %q",
				tt.recurrence, tt.day, got, tt.want)
		}
	}
}

func TestNormalizeDayList(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Mon, Wed, Fri", "mon,wed,fri"},
		{"monday", "monday"},
		{" TUESDAY , thursday ", "tuesday,thursday"},
		{"Sun", "sun"},
	}
	for _, tt := range tests {
		got := normalizeDayList(tt.input)
		if got != tt.want {
			t.Errorf("normalizeDayList(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestScheduleDefinitions(t *testing.T) {
	tool := New(newMemStore(), "chat-1", 7)
	tools := tool.Tools()
	if len(tools) != 4 {
		t.Fatalf("expected 4 tools, got %d", len(tools))
	}

	names := map[string]bool{}
	for _, tl := range tools {
		names[tl.Name()] = true
		if tl.Category() != core.CategorySchedule {
			t.Errorf("%s: expected CategorySchedule, got %s", tl.Name(), tl.Category())
		}
		var _ core.Tool = tl
	}
	for _, want := range []string{"schedule_create", "schedule_list", "schedule_update", "schedule_delete"} {
		if !names[want] {
			t.Errorf("missing %s tool", want)
		}
	}
}

func TestScheduleCreateAndList(t *testing.T) {
	store := newMemStore()
	tool := New(store, "chat-1", 7)

	args, _ := json.Marshal(map[string]string{
		"description": "daily briefing",
		"time":        "08:00",
		"recurrence":  "daily",
		"prompt":      "Summarize overnight alerts.",
	})
	result, _ := findTool(t, tool, "schedule_create").Execute(context.Background(), args)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}

	all, _ := store.ListFollowUps(context.Background())
	if len(all) != 1 {
		t.Fatalf("expected 1 follow-up stored, got %d", len(all))
	}
	if all[0].ChatID != "chat-1" {
		t.Errorf("expected chat-1, got %s", all[0].ChatID)
	}
	if all[0].Prompt != "Summarize overnight alerts." {
		t.Errorf("wrong prompt: %s", all[0].Prompt)
	}

	listResult, _ := findTool(t, tool, "schedule_list").Execute(context.Background(), nil)
	if listResult.Error != "" {
		t.Fatalf("unexpected error: %s", listResult.Error)
	}
}

func TestScheduleCreateInvalidSchedule(t *testing.T) {
	tool := New(newMemStore(), "chat-1", 0)
	args, _ := json.Marshal(map[string]string{
		"description": "bad",
		"time":        "25:99",
		"recurrence":  "daily",
		"prompt":      "x",
	})
	result, _ := findTool(t, tool, "schedule_create").Execute(context.Background(), args)
	if result.Error == "" {
		t.Error("expected error for invalid time")
	}
}

func TestScheduleListEmpty(t *testing.T) {
	tool := New(newMemStore(), "chat-1", 0)
	result, _ := findTool(t, tool, "schedule_list").Execute(context.Background(), nil)
	if result.Content != "No scheduled follow-ups." {
		t.Errorf("got %q", result.Content)
	}
}

func TestScheduleListScopedToChat(t *testing.T) {
	store := newMemStore()
	store.CreateFollowUp(context.Background(), core.ScheduledFollowUp{
		ID: "other", ChatID: "chat-2", Description: "other chat's follow-up", Enabled: true,
	})

	tool := New(store, "chat-1", 0)
	result, _ := findTool(t, tool, "schedule_list").Execute(context.Background(), nil)
	if result.Content != "No scheduled follow-ups." {
		t.Errorf("expected chat-1 to see no follow-ups, got %q", result.Content)
	}
}

func TestScheduleUpdateEnable(t *testing.T) {
	store := newMemStore()
	store.CreateFollowUp(context.Background(), core.ScheduledFollowUp{
		ID: "f1", ChatID: "chat-1", Description: "weekly report", Schedule: "08:00 daily", Enabled: true,
	})
	tool := New(store, "chat-1", 0)

	args, _ := json.Marshal(map[string]any{"description_query": "weekly", "enabled": false})
	result, _ := findTool(t, tool, "schedule_update").Execute(context.Background(), args)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}

	f := store.followUps["f1"]
	if f.Enabled {
		t.Error("expected follow-up to be disabled")
	}
}

func TestScheduleUpdateNoMatch(t *testing.T) {
	tool := New(newMemStore(), "chat-1", 0)
	args, _ := json.Marshal(map[string]any{"description_query": "nothing", "enabled": true})
	result, _ := findTool(t, tool, "schedule_update").Execute(context.Background(), args)
	if result.Error == "" {
		t.Error("expected error for no match")
	}
}

func TestScheduleUpdateAmbiguous(t *testing.T) {
	store := newMemStore()
	store.CreateFollowUp(context.Background(), core.ScheduledFollowUp{ID: "a", ChatID: "chat-1", Description: "daily report A", Enabled: true})
	store.CreateFollowUp(context.Background(), core.ScheduledFollowUp{ID: "b", ChatID: "chat-1", Description: "daily report B", Enabled: true})
	tool := New(store, "chat-1", 0)

	args, _ := json.Marshal(map[string]any{"description_query": "daily report", "enabled": false})
	result, _ := findTool(t, tool, "schedule_update").Execute(context.Background(), args)
	if result.Error == "" {
		t.Error("expected ambiguous-match error")
	}
}

func TestScheduleDeleteOne(t *testing.T) {
	store := newMemStore()
	store.CreateFollowUp(context.Background(), core.ScheduledFollowUp{ID: "f1", ChatID: "chat-1", Description: "morning summary", Enabled: true})
	tool := New(store, "chat-1", 0)

	args, _ := json.Marshal(map[string]string{"description_query": "morning"})
	result, _ := findTool(t, tool, "schedule_delete").Execute(context.Background(), args)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if _, ok := store.followUps["f1"]; ok {
		t.Error("follow-up should have been deleted")
	}
}

func TestScheduleDeleteAll(t *testing.T) {
	store := newMemStore()
	store.CreateFollowUp(context.Background(), core.ScheduledFollowUp{ID: "f1", ChatID: "chat-1", Description: "a", Enabled: true})
	store.CreateFollowUp(context.Background(), core.ScheduledFollowUp{ID: "f2", ChatID: "chat-1", Description: "b", Enabled: true})
	store.CreateFollowUp(context.Background(), core.ScheduledFollowUp{ID: "f3", ChatID: "chat-2", Description: "other chat", Enabled: true})
	tool := New(store, "chat-1", 0)

	args, _ := json.Marshal(map[string]string{"description_query": "*"})
	result, _ := findTool(t, tool, "schedule_delete").Execute(context.Background(), args)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}

	all, _ := store.ListFollowUps(context.Background())
	if len(all) != 1 || all[0].ChatID != "chat-2" {
		t.Errorf("expected only chat-2's follow-up to survive, got %+v", all)
	}
}
