package projects

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// AllProjects subscribes a connection to events for every project.
const AllProjects = ""

const writeWait = 5 * time.Second

// EventStreamer pushes project events to websocket subscribers.
type EventStreamer struct {
	mu          sync.Mutex
	subscribers map[string][]*websocket.Conn
}

// NewEventStreamer creates a new EventStreamer
func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[string][]*websocket.Conn),
	}
}

// Subscribe registers conn for events of projectID, or of every project when
// projectID is AllProjects.
func (es *EventStreamer) Subscribe(projectID string, conn *websocket.Conn) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.subscribers[projectID] = append(es.subscribers[projectID], conn)
}

// Unsubscribe removes a subscriber
func (es *EventStreamer) Unsubscribe(projectID string, conn *websocket.Conn) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.remove(projectID, conn)
}

func (es *EventStreamer) remove(projectID string, conn *websocket.Conn) {
	subscribers := es.subscribers[projectID]
	for i, s := range subscribers {
		if s == conn {
			es.subscribers[projectID] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
	if len(es.subscribers[projectID]) == 0 {
		delete(es.subscribers, projectID)
	}
}

// HandleEvent broadcasts ev to its project's subscribers and to AllProjects
// subscribers. Connections that fail a write are dropped. Subscribers of a
// removed project are closed.
func (es *EventStreamer) HandleEvent(_ context.Context, ev Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// gorilla connections allow one concurrent writer, so writes are serialized.
	es.mu.Lock()
	defer es.mu.Unlock()

	for _, key := range []string{AllProjects, ev.Project.ID} {
		for _, conn := range append([]*websocket.Conn(nil), es.subscribers[key]...) {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("dropping event subscriber", "project_id", key, "error", err)
				es.remove(key, conn)
				conn.Close()
			}
		}
	}

	if ev.Type == EventRemoved {
		for _, conn := range es.subscribers[ev.Project.ID] {
			conn.Close()
		}
		delete(es.subscribers, ev.Project.ID)
	}
	return nil
}

// Close closes every subscriber connection.
func (es *EventStreamer) Close() {
	es.mu.Lock()
	defer es.mu.Unlock()
	for key, subscribers := range es.subscribers {
		for _, conn := range subscribers {
			conn.Close()
		}
		delete(es.subscribers, key)
	}
}

// Count returns the number of subscriptions for projectID.
func (es *EventStreamer) Count(projectID string) int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.subscribers[projectID])
}
