package projects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paulgrammer/githost/internal/scheduler"
)

type Options struct {
	// SourceHost is the only host submissions may point at.
	SourceHost string
	// DeployDomain is the parent domain of deployed URLs.
	DeployDomain string
	// CloneDelay is the time spent in cloning after submission.
	CloneDelay time.Duration
	// BuildDelay is the time spent in building before the outcome is resolved.
	BuildDelay time.Duration

	NotifyWorkers int
	NotifyBuffer  int
	NotifyTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SourceHost == "" {
		o.SourceHost = "github.com"
	}
	if o.DeployDomain == "" {
		o.DeployDomain = "githost.app"
	}
	if o.CloneDelay <= 0 {
		o.CloneDelay = 3 * time.Second
	}
	if o.BuildDelay <= 0 {
		o.BuildDelay = 5 * time.Second
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = time.Minute
	}
	return o
}

// Tracker owns the project registry and drives each project through
// cloning, building and then hosted or failed.
type Tracker struct {
	mu       sync.RWMutex
	opts     Options
	store    Store
	sched    *scheduler.Scheduler
	resolver Resolver
	metrics  *Metrics
	notifier *notifier
}

func NewTracker(opts Options, store Store, sched *scheduler.Scheduler, resolver Resolver, listeners ...Listener) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if sched == nil {
		return nil, errors.New("scheduler is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	opts = opts.withDefaults()
	return &Tracker{
		opts:     opts,
		store:    store,
		sched:    sched,
		resolver: resolver,
		notifier: newNotifier(opts.NotifyWorkers, opts.NotifyBuffer, opts.NotifyTimeout, listeners),
	}, nil
}

// WithMetrics attaches a metrics recorder.
func (t *Tracker) WithMetrics(m *Metrics) *Tracker {
	t.metrics = m
	t.notifier.onDrop = m.dropped
	return t
}

// Stop flushes pending notifications. Scheduled transitions are left in the
// scheduler.
func (t *Tracker) Stop() {
	t.notifier.stop()
}

// owner keys scheduled tasks by project and generation so a rebuild can
// cancel the previous generation's tasks without touching its own.
func owner(id string, generation uint64) string {
	return id + "/" + strconv.FormatUint(generation, 10)
}

// Submit registers a new project in cloning and schedules its automatic
// advancement to building and the build resolution.
func (t *Tracker) Submit(ctx context.Context, sourceURL string) (Project, error) {
	if err := ctx.Err(); err != nil {
		return Project{}, err
	}
	ref, err := ParseSourceURL(sourceURL, t.opts.SourceHost)
	if err != nil {
		return Project{}, err
	}

	t.mu.Lock()
	now := t.sched.Now().UTC()
	p := Project{
		ID:        uuid.NewString(),
		Name:      ref.Name,
		Owner:     ref.Owner,
		SourceURL: sourceURL,
		Status:    StatusCloning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	key := owner(p.ID, p.generation)
	if err := t.scheduleSubmitted(key, p.ID, now); err != nil {
		t.sched.Cancel(key)
		t.mu.Unlock()
		return Project{}, fmt.Errorf("schedule transitions: %w", err)
	}
	if err := t.store.Create(p); err != nil {
		t.sched.Cancel(key)
		t.mu.Unlock()
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	t.mu.Unlock()

	slog.Info("project submitted", "project_id", p.ID, "owner", p.Owner, "name", p.Name, "repo_url", p.SourceURL)
	t.metrics.submitted()
	t.notifier.publish(Event{Type: EventSubmitted, Project: p, Timestamp: now})
	return p, nil
}

func (t *Tracker) scheduleSubmitted(key, id string, now time.Time) error {
	advanceAt := now.Add(t.opts.CloneDelay)
	if _, err := t.sched.Schedule(key, advanceAt, func() { t.advance(id, 0) }); err != nil {
		return err
	}
	resolveAt := advanceAt.Add(t.opts.BuildDelay)
	if _, err := t.sched.Schedule(key, resolveAt, func() { t.resolve(id, 0) }); err != nil {
		return err
	}
	return nil
}

// List returns a snapshot of all projects, most recent first, narrowed by
// filter.
func (t *Tracker) List(filter Filter) ([]Project, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *filter.Status)}
	}

	t.mu.RLock()
	all := t.store.List()
	t.mu.RUnlock()

	if filter.Status == nil && filter.Owner == "" {
		return all, nil
	}
	out := make([]Project, 0, len(all))
	for _, p := range all {
		if filter.Status != nil && p.Status != *filter.Status {
			continue
		}
		if filter.Owner != "" && !strings.EqualFold(p.Owner, filter.Owner) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (t *Tracker) Get(id string) (Project, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.store.Get(id)
	if !ok {
		return Project{}, &NotFoundError{ID: id}
	}
	return p, nil
}

// Rebuild moves a project back to building and schedules a fresh
// resolution. Any transition still pending from an earlier submission or
// rebuild is cancelled. The deployed URL is kept.
func (t *Tracker) Rebuild(ctx context.Context, id string) (Project, error) {
	if err := ctx.Err(); err != nil {
		return Project{}, err
	}

	t.mu.Lock()
	p, ok := t.store.Get(id)
	if !ok {
		t.mu.Unlock()
		return Project{}, &NotFoundError{ID: id}
	}

	prev := p.generation
	from := p.Status
	p.generation++
	gen := p.generation
	if _, err := t.sched.After(owner(id, gen), t.opts.BuildDelay, func() { t.resolve(id, gen) }); err != nil {
		t.mu.Unlock()
		return Project{}, fmt.Errorf("schedule build: %w", err)
	}
	t.sched.Cancel(owner(id, prev))

	p.Status = StatusBuilding
	t.touch(&p)
	if err := t.store.Update(p); err != nil {
		t.sched.Cancel(owner(id, gen))
		t.mu.Unlock()
		return Project{}, err
	}
	t.mu.Unlock()

	slog.Info("project rebuild requested", "project_id", id, "from", from)
	t.metrics.rebuilt()
	t.metrics.transition(from, StatusBuilding)
	t.notifier.publish(Event{Type: EventRebuilt, Project: p, From: from, Timestamp: p.UpdatedAt})
	return p, nil
}

// Remove deletes a project and cancels its pending transitions.
func (t *Tracker) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	p, ok := t.store.Get(id)
	if !ok {
		t.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	t.store.Delete(id)
	cancelled := t.sched.Cancel(owner(id, p.generation))
	now := t.sched.Now().UTC()
	t.mu.Unlock()

	slog.Info("project removed", "project_id", id, "status", p.Status, "cancelled_transitions", cancelled)
	t.metrics.removed(p.Status)
	t.notifier.publish(Event{Type: EventRemoved, Project: p, Timestamp: now})
	return nil
}

// Report resolves a building project with an outcome reported by an
// external deployer instead of waiting for its scheduled resolution.
func (t *Tracker) Report(ctx context.Context, id string, req ReportRequest) (Project, error) {
	if err := ctx.Err(); err != nil {
		return Project{}, err
	}
	if err := ValidateReport(req); err != nil {
		return Project{}, err
	}
	to := StatusFailed
	if req.Status == OutcomeSuccess {
		to = StatusHosted
	}

	t.mu.Lock()
	p, ok := t.store.Get(id)
	if !ok {
		t.mu.Unlock()
		return Project{}, &NotFoundError{ID: id}
	}
	if p.Status != StatusBuilding {
		t.mu.Unlock()
		return Project{}, &ValidationError{Field: "status", Reason: fmt.Sprintf("project is %s, not building", p.Status)}
	}
	t.finish(&p, to)
	t.touch(&p)
	if err := t.store.Update(p); err != nil {
		t.mu.Unlock()
		return Project{}, err
	}
	cancelled := t.sched.Cancel(owner(id, p.generation))
	t.mu.Unlock()

	slog.Info("project outcome reported", "project_id", id, "status", p.Status, "message", req.Message, "cancelled_transitions", cancelled)
	t.metrics.transition(StatusBuilding, p.Status)
	t.notifier.publish(Event{Type: EventTransitioned, Project: p, From: StatusBuilding, Timestamp: p.UpdatedAt})
	return p, nil
}

func (t *Tracker) advance(id string, gen uint64) {
	t.apply(id, gen, StatusCloning, func(p *Project) {
		p.Status = StatusBuilding
	})
}

func (t *Tracker) resolve(id string, gen uint64) {
	t.apply(id, gen, StatusBuilding, func(p *Project) {
		t.finish(p, t.resolver.Resolve(*p))
	})
}

// finish ends a build. Anything other than hosted counts as failed; the
// deployed URL is assigned on the first success and kept afterwards.
func (t *Tracker) finish(p *Project, outcome Status) {
	if outcome != StatusHosted {
		p.Status = StatusFailed
		return
	}
	p.Status = StatusHosted
	if p.DeployedURL == "" {
		p.DeployedURL = DeployedURL(p.Name, t.opts.DeployDomain)
	}
}

// apply runs a scheduled transition. It is a no-op when the project is gone,
// has been rebuilt since the task was scheduled, or is not in the expected
// status.
func (t *Tracker) apply(id string, gen uint64, want Status, mutate func(p *Project)) {
	t.mu.Lock()
	p, ok := t.store.Get(id)
	if !ok || p.generation != gen || p.Status != want {
		t.mu.Unlock()
		return
	}
	mutate(&p)
	t.touch(&p)
	if err := t.store.Update(p); err != nil {
		t.mu.Unlock()
		slog.Error("failed to apply transition", "project_id", id, "error", err)
		return
	}
	t.mu.Unlock()

	slog.Info("project transitioned", "project_id", id, "from", want, "to", p.Status)
	t.metrics.transition(want, p.Status)
	t.notifier.publish(Event{Type: EventTransitioned, Project: p, From: want, Timestamp: p.UpdatedAt})
}

// touch stamps UpdatedAt with the current time, nudged forward when the
// clock has not moved so that every transition strictly advances it.
func (t *Tracker) touch(p *Project) {
	now := t.sched.Now().UTC()
	if !now.After(p.UpdatedAt) {
		now = p.UpdatedAt.Add(time.Nanosecond)
	}
	p.UpdatedAt = now
}
