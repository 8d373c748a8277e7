package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	core "github.com/xxxxxccc/devops-bot-sub000"
	"github.com/xxxxxccc/devops-bot-sub000/internal/task"
)

type memStore struct {
	tasks map[string]core.Task
}

func newMemStore() *memStore { return &memStore{tasks: map[string]core.Task{}} }

func (m *memStore) CreateTask(_ context.Context, t core.Task) error { m.tasks[t.ID] = t; return nil }
func (m *memStore) GetTask(_ context.Context, id string) (core.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return core.Task{}, fmt.Errorf("no such task: %s", id)
	}
	return t, nil
}
func (m *memStore) ListTasks(_ context.Context, status core.TaskStatus, limit int) ([]core.Task, error) {
	var out []core.Task
	for _, t := range m.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}
func (m *memStore) UpdateTask(_ context.Context, t core.Task) error { m.tasks[t.ID] = t; return nil }
func (m *memStore) DeleteTask(_ context.Context, id string) error   { delete(m.tasks, id); return nil }

func (m *memStore) CreateFollowUp(context.Context, core.ScheduledFollowUp) error { return nil }
func (m *memStore) ListFollowUps(context.Context) ([]core.ScheduledFollowUp, error) {
	return nil, nil
}
func (m *memStore) GetDueFollowUps(context.Context, int64) ([]core.ScheduledFollowUp, error) {
	return nil, nil
}
func (m *memStore) UpdateFollowUp(context.Context, core.ScheduledFollowUp) error { return nil }
func (m *memStore) SetFollowUpEnabled(context.Context, string, bool) error       { return nil }
func (m *memStore) DeleteFollowUp(context.Context, string) error                 { return nil }
func (m *memStore) CreateSkill(context.Context, core.Skill) error                { return nil }
func (m *memStore) GetSkill(context.Context, string) (core.Skill, error) {
	return core.Skill{}, nil
}
func (m *memStore) ListSkills(context.Context) ([]core.Skill, error) { return nil, nil }
func (m *memStore) UpdateSkill(context.Context, core.Skill) error    { return nil }
func (m *memStore) DeleteSkill(context.Context, string) error        { return nil }
func (m *memStore) GetConfig(context.Context, string) (string, error) {
	return "", nil
}
func (m *memStore) SetConfig(context.Context, string, string) error { return nil }
func (m *memStore) Init(context.Context) error                      { return nil }
func (m *memStore) Close() error                                    { return nil }

var _ core.TaskStore = (*memStore)(nil)

type stubSandboxes struct{}

func (stubSandboxes) Create(_ context.Context, taskID, _ string) (core.Sandbox, error) {
	return core.Sandbox{TaskID: taskID}, nil
}
func (stubSandboxes) ModifiedFiles(context.Context, core.Sandbox) ([]string, error) {
	return nil, nil
}
func (stubSandboxes) Finalize(context.Context, core.Sandbox, string) (string, error) {
	return "", nil
}
func (stubSandboxes) Cleanup(context.Context, core.Sandbox) error { return nil }

type stubExecutor struct{}

func (stubExecutor) Execute(context.Context, string) (string, error) { return "done", nil }

// newTestServer builds a Server over an in-memory store and an idle Runner
// (enqueued tasks stay pending: nothing calls Start).
func newTestServer(t *testing.T, secret string) (*Server, *memStore) {
	t.Helper()
	store := newMemStore()
	runner := task.New(store, nil, stubSandboxes{}, func(core.Sandbox, core.OutputSink) task.Executor {
		return stubExecutor{}
	}, nil)
	return New(store, runner, NewHub(), secret, t.TempDir(), nil), store
}

func TestAuthRejectsMissingSecret(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/task", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without secret, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/task", nil)
	req.Header.Set(secretHeader, "s3cret")
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with secret, got %d", w.Code)
	}
}

func TestHealthBypassesAuth(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestCreateTaskPersistsPending(t *testing.T) {
	srv, store := newTestServer(t, "")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/task",
		strings.NewReader(`{"prompt":"fix the flaky test","created_by":"u1"}`))
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(store.tasks) != 1 {
		t.Fatalf("expected one persisted task, got %d", len(store.tasks))
	}
	for _, tk := range store.tasks {
		if tk.Status != core.TaskPending || tk.Prompt != "fix the flaky test" {
			t.Errorf("unexpected task: %+v", tk)
		}
	}
}

func TestCreateTaskRequiresPrompt(t *testing.T) {
	srv, _ := newTestServer(t, "")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/task", strings.NewReader(`{}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/task/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestPatchTaskMergesMetadata(t *testing.T) {
	srv, store := newTestServer(t, "")
	store.tasks["t1"] = core.Task{ID: "t1", Status: core.TaskCompleted, Metadata: map[string]string{"title": "old"}}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/task/t1",
		strings.NewReader(`{"metadata":{"title":"new","label":"infra"}}`))
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := store.tasks["t1"]
	if got.Metadata["title"] != "new" || got.Metadata["label"] != "infra" {
		t.Errorf("metadata not merged: %+v", got.Metadata)
	}
}

func TestStopNotRunningConflicts(t *testing.T) {
	srv, _ := newTestServer(t, "")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/task/t9/stop", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for non-running task, got %d", w.Code)
	}
}

func TestWebhookTodoEnqueues(t *testing.T) {
	srv, store := newTestServer(t, "")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/todo",
		strings.NewReader(`{"title":"Bump deps","description":"bump all minor deps","created_by":"jira"}`))
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	for _, tk := range store.tasks {
		if tk.Metadata["source"] != "webhook/todo" || tk.Metadata["title"] != "Bump deps" {
			t.Errorf("unexpected metadata: %+v", tk.Metadata)
		}
	}
}

func TestWebhookTodoRequiresDescription(t *testing.T) {
	srv, _ := newTestServer(t, "")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/todo", strings.NewReader(`{"title":"x"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestWatchUnknownClient(t *testing.T) {
	srv, _ := newTestServer(t, "")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/watch",
		strings.NewReader(`{"clientId":"ghost","taskId":"t1"}`))
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown client, got %d", w.Code)
	}
}

func TestUploadReturnsAttachment(t *testing.T) {
	srv, _ := newTestServer(t, "")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload?filename=design.png",
		strings.NewReader("png-bytes"))
	req.Header.Set("Content-Type", "image/png")
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "design.png") {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestEventsStreamsConnectedAndInit(t *testing.T) {
	srv, store := newTestServer(t, "")
	store.tasks["t1"] = core.Task{ID: "t1", Status: core.TaskCompleted}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?client_id=c1", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Errorf("missing connected frame: %s", body)
	}
	if !strings.Contains(body, "event: init") || !strings.Contains(body, `"t1"`) {
		t.Errorf("missing init frame with snapshot: %s", body)
	}
}

func TestHubElidesOutputExceptWatcher(t *testing.T) {
	hub := NewHub()
	watcher := hub.subscribe("w")
	other := hub.subscribe("o")
	defer hub.unsubscribe("w")
	defer hub.unsubscribe("o")

	if !hub.Watch("w", "t1") {
		t.Fatal("watch registration failed")
	}

	hub.Publish("task_updated", core.Task{ID: "t1", Output: "secret progress"})

	evt := <-watcher.ch
	if evt.Task.Output != "secret progress" {
		t.Errorf("watcher should see full output, got %q", evt.Task.Output)
	}
	evt = <-other.ch
	if evt.Task.Output != "" {
		t.Errorf("non-watcher should get elided output, got %q", evt.Task.Output)
	}
}
