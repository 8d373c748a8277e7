// Package httpapi is the delegated HTTP/SSE surface (§6): health check,
// task CRUD and lifecycle actions, a todo webhook, file upload, and an SSE
// event stream. It never touches the Dispatcher or Executor directly --
// every mutation goes through the Task Runner and TaskStore it is given.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	core "github.com/xxxxxccc/devops-bot-sub000"
	"github.com/xxxxxccc/devops-bot-sub000/internal/task"
)

const secretHeader = "X-Devopsbot-Secret"

// Server exposes the HTTP surface over a TaskStore and Task Runner.
type Server struct {
	store     core.TaskStore
	runner    *task.Runner
	hub       *Hub
	secret    string
	uploadDir string
	logger    *slog.Logger
}

// New builds a Server. uploadDir is created lazily on first /upload call.
func New(store core.TaskStore, runner *task.Runner, hub *Hub, secret, uploadDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, runner: runner, hub: hub, secret: secret, uploadDir: uploadDir, logger: logger}
}

// Handler returns the routed http.Handler, wrapped in secret-header auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/watch", s.handleWatch)
	mux.HandleFunc("/webhook/todo", s.handleWebhookTodo)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/task", s.handleTaskCollection)
	mux.HandleFunc("/task/", s.handleTaskItem)
	return s.withAuth(mux)
}

// withAuth rejects any request whose secret header doesn't match, except
// /health which operators poll without credentials.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || s.secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing "+secretHeader)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents upgrades to an SSE stream: "connected", then "init" with the
// current task snapshot, then a live "task" frame per lifecycle transition.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = core.NewID()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "connected", map[string]string{"client_id": clientID})
	flusher.Flush()

	tasks, err := s.store.ListTasks(r.Context(), "", 100)
	if err != nil {
		s.logger.Warn("list tasks for init frame failed", "err", err)
		tasks = nil
	}
	writeSSE(w, "init", map[string]any{"tasks": tasks})
	flusher.Flush()

	c := s.hub.subscribe(clientID)
	defer s.hub.unsubscribe(clientID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-c.ch:
			writeSSE(w, "task", evt)
			flusher.Flush()
		}
	}
}

// handleWatch registers a client to receive unredacted Output for one task.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		ClientID string `json:"clientId"`
		TaskID   string `json:"taskId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.ClientID == "" || body.TaskID == "" {
		writeError(w, http.StatusBadRequest, "clientId and taskId are required")
		return
	}
	if !s.hub.Watch(body.ClientID, body.TaskID) {
		writeError(w, http.StatusNotFound, "no such connected client")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "watching"})
}

func (s *Server) handleTaskCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.createTask(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status := core.TaskStatus(r.URL.Query().Get("status"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	tasks, err := s.store.ListTasks(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt    string            `json:"prompt"`
		CreatedBy string            `json:"created_by"`
		Metadata  map[string]string `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	id := core.NewID()
	if err := s.runner.RunTask(r.Context(), id, body.Prompt, body.CreatedBy, body.Metadata); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// handleTaskItem dispatches /task/:id, /task/:id/retry, /task/:id/stop and
// /task/:id/continue by splitting the trailing path segment.
func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	rest := r.URL.Path[len("/task/"):]
	id, action := rest, ""
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			id, action = rest[:i], rest[i+1:]
			break
		}
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "task id is required")
		return
	}

	switch action {
	case "":
		s.taskByID(w, r, id)
	case "retry":
		s.retryTask(w, r, id)
	case "stop":
		s.stopTask(w, r, id)
	case "continue":
		s.continueTask(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown task action: "+action)
	}
}

func (s *Server) taskByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		t, err := s.store.GetTask(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, t)
	case http.MethodPatch:
		s.patchTask(w, r, id)
	case http.MethodDelete:
		if err := s.store.DeleteTask(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// patchTask only accepts metadata edits: Status/Output/Prompt are
// Runner-owned and would desync from the queue if mutated directly here.
func (s *Server) patchTask(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	for k, v := range body.Metadata {
		t.Metadata[k] = v
	}
	if err := s.store.UpdateTask(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.runner.Retry(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retried"})
}

func (s *Server) stopTask(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.runner.StopTask(id) {
		writeError(w, http.StatusConflict, "task is not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) continueTask(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Prompt string `json:"prompt"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.runner.Continue(r.Context(), id, body.Prompt); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "continued"})
}

// handleWebhookTodo lets an external todo/ticket system enqueue a task
// directly, bypassing Dispatcher classification entirely.
func (s *Server) handleWebhookTodo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		CreatedBy   string `json:"created_by"`
		ChatID      string `json:"chat_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	metadata := map[string]string{"title": body.Title, "source": "webhook/todo"}
	if body.ChatID != "" {
		metadata["chat_id"] = body.ChatID
	}
	id := core.NewID()
	if err := s.runner.RunTask(r.Context(), id, body.Description, body.CreatedBy, metadata); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

const maxUploadBytes = 32 << 20 // 32MB, matches the reference sandbox's request cap

// handleUpload stores a raw file body under uploadDir and returns an
// Attachment referencing it, for use as a task prompt's context.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "create upload dir: "+err.Error())
		return
	}

	fileName := r.URL.Query().Get("filename")
	if fileName == "" {
		fileName = core.NewID()
	}
	fileID := core.NewID()
	dest := filepath.Join(s.uploadDir, fileID+"_"+filepath.Base(fileName))

	f, err := os.Create(dest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create file: "+err.Error())
		return
	}
	defer f.Close()

	n, err := io.Copy(f, http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, core.Attachment{
		FileID:   fileID,
		FileName: fileName,
		MimeType: r.Header.Get("Content-Type"),
		FileSize: n,
	})
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
