package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/WatchBeam/clock"
)

type Config struct {
	// TickInterval is the longest Run sleeps between checks when no task is
	// due sooner.
	TickInterval time.Duration
	// Capacity bounds the number of pending tasks. Zero means unbounded.
	Capacity int
}

// Scheduler runs delayed callbacks. Time is read from an injected clock, and
// due tasks only fire when Tick is called, either by Run or directly in tests.
type Scheduler struct {
	config Config
	clock  clock.Clock
	queue  *TimerQueue
	nextID atomic.Uint64
	wake   chan struct{}
}

func New(config Config, c clock.Clock) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = 250 * time.Millisecond
	}
	if c == nil {
		c = clock.C
	}
	return &Scheduler{
		config: config,
		clock:  c,
		queue:  NewTimerQueue(config.Capacity),
		wake:   make(chan struct{}, 1),
	}
}

// Now returns the scheduler's notion of the current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Schedule registers fn to run for owner at the given time and returns the
// task ID.
func (s *Scheduler) Schedule(owner string, at time.Time, fn func()) (string, error) {
	id := owner + ":" + strconv.FormatUint(s.nextID.Add(1), 10)
	err := s.queue.Push(&Task{
		ID:        id,
		Owner:     owner,
		TriggerAt: at,
		Run:       fn,
	})
	if err != nil {
		return "", err
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// After registers fn to run for owner once d has elapsed on the clock.
func (s *Scheduler) After(owner string, d time.Duration, fn func()) (string, error) {
	return s.Schedule(owner, s.clock.Now().Add(d), fn)
}

// Cancel drops all pending tasks for owner. Tasks already handed out by Tick
// are not interrupted.
func (s *Scheduler) Cancel(owner string) int {
	return s.queue.CancelOwner(owner)
}

// Pending returns the number of tasks waiting to fire.
func (s *Scheduler) Pending() int {
	return s.queue.Len()
}

// Tick runs every task that is due, in trigger order, and returns how many
// ran. The queue lock is not held while callbacks execute, so a callback may
// schedule or cancel further tasks.
func (s *Scheduler) Tick() int {
	due := s.queue.Due(s.clock.Now())
	for _, t := range due {
		s.run(t)
	}
	return len(due)
}

func (s *Scheduler) run(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: task panicked", "task_id", t.ID, "owner", t.Owner, "panic", r)
		}
	}()
	t.Run()
}

// Run fires tasks as they fall due until ctx is cancelled. It sleeps on the
// injected clock until the earliest pending task, never longer than
// TickInterval, and re-plans whenever a task is scheduled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started", "max_wait", s.config.TickInterval.String())
	for {
		wait := s.queue.NextDue(s.clock.Now())
		if wait < 0 || wait > s.config.TickInterval {
			wait = s.config.TickInterval
		}

		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("scheduler stopped", "pending", s.Pending())
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.Chan():
			if n := s.Tick(); n > 0 {
				slog.Debug("scheduler tick", "fired", n, "pending", s.Pending())
			}
		}
	}
}
