package httpapi

import (
	"sync"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// Event is one SSE frame: a task lifecycle transition (§6).
type Event struct {
	Type      string    `json:"type"` // task_created|task_updated|task_completed|task_failed
	Task      core.Task `json:"task"`
	Timestamp int64     `json:"timestamp"`
}

type client struct {
	ch        chan Event
	watchTask string // task ID allowed to receive full Output; "" elides it
}

// Hub fans task events out to every connected SSE client, eliding Output
// except to the single client that has registered a /watch on that task.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client
}

func NewHub() *Hub { return &Hub{clients: make(map[string]*client)} }

// Publish matches internal/task.EventHook's shape, so a Hub can be wired
// straight into task.WithEventHook.
func (h *Hub) Publish(eventType string, t core.Task) {
	evt := Event{Type: eventType, Task: t, Timestamp: core.NowUnix()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		out := evt
		if c.watchTask != t.ID {
			out.Task.Output = ""
		}
		select {
		case c.ch <- out:
		default:
			// Slow client: drop rather than block the publisher.
		}
	}
}

func (h *Hub) subscribe(clientID string) *client {
	c := &client{ch: make(chan Event, 64)}
	h.mu.Lock()
	h.clients[clientID] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) unsubscribe(clientID string) {
	h.mu.Lock()
	delete(h.clients, clientID)
	h.mu.Unlock()
}

// Watch registers clientID as the sole recipient of full Output for taskID.
func (h *Hub) Watch(clientID, taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return false
	}
	c.watchTask = taskID
	return true
}
