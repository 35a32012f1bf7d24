package projects

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/paulgrammer/githost/internal/webhook"
)

// Listener receives registry events off the caller's path. Errors are
// logged and never reach the operation that produced the event.
type Listener interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(ctx context.Context, ev Event) error

func (f ListenerFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// notifier fans events out to listeners on a fixed set of workers. Each
// worker owns its queue and events are routed by project ID, so listeners
// see one project's events in the order they were published.
type notifier struct {
	mu        sync.RWMutex
	stopped   bool
	queues    []chan Event
	wg        sync.WaitGroup
	listeners []Listener
	timeout   time.Duration
	onDrop    func()
}

func newNotifier(workers, buffer int, timeout time.Duration, listeners []Listener) *notifier {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 1024
	}
	perWorker := max(buffer/workers, 1)

	n := &notifier{
		queues:    make([]chan Event, workers),
		listeners: listeners,
		timeout:   timeout,
	}
	for i := range n.queues {
		q := make(chan Event, perWorker)
		n.queues[i] = q
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			for ev := range q {
				n.dispatch(ev)
			}
		}()
	}
	return n
}

func (n *notifier) queueFor(projectID string) chan Event {
	return n.queues[xxhash.Sum64String(projectID)%uint64(len(n.queues))]
}

func (n *notifier) publish(ev Event) {
	if len(n.listeners) == 0 {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.stopped {
		return
	}
	select {
	case n.queueFor(ev.Project.ID) <- ev:
	default:
		slog.Warn("notification queue full, dropping event", "project_id", ev.Project.ID, "type", ev.Type)
		if n.onDrop != nil {
			n.onDrop()
		}
	}
}

func (n *notifier) dispatch(ev Event) {
	for _, l := range n.listeners {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		if err := l.HandleEvent(ctx, ev); err != nil {
			slog.Warn("event listener failed", "project_id", ev.Project.ID, "type", ev.Type, "error", err)
		}
		cancel()
	}
}

// stop drains queued events and waits for the workers to exit.
func (n *notifier) stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	for _, q := range n.queues {
		close(q)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

// WebhookListener forwards events to a single webhook endpoint.
type WebhookListener struct {
	Sender webhook.Sender
	URL    string
}

func (w WebhookListener) HandleEvent(ctx context.Context, ev Event) error {
	if w.URL == "" {
		return nil
	}
	return w.Sender.Notify(ctx, w.URL, webhook.Event{
		ProjectID: ev.Project.ID,
		Type:      string(ev.Type),
		Status:    string(ev.Project.Status),
		Timestamp: ev.Timestamp,
		Data:      ev.Project,
	})
}
