package scheduler

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

var (
	ErrInvalidTask = errors.New("invalid task")
	ErrTaskExists  = errors.New("task already exists")
	ErrQueueFull   = errors.New("timer queue is full")
)

// Task is a unit of delayed work. Owner groups tasks so they can be
// cancelled together.
type Task struct {
	ID        string
	Owner     string
	TriggerAt time.Time
	Run       func()

	seq   uint64
	index int
}

// TimerQueue is a min-heap of tasks ordered by TriggerAt. Tasks with equal
// trigger times keep insertion order.
type TimerQueue struct {
	mu       sync.Mutex
	items    timerHeap
	lookup   map[string]*Task
	capacity int
	seq      uint64
}

type timerHeap []*Task

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].TriggerAt.Equal(h[j].TriggerAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].TriggerAt.Before(h[j].TriggerAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// NewTimerQueue creates a queue holding at most capacity tasks. A
// non-positive capacity leaves the queue unbounded.
func NewTimerQueue(capacity int) *TimerQueue {
	return &TimerQueue{
		lookup:   make(map[string]*Task),
		capacity: capacity,
	}
}

// Push adds a task to the queue.
func (q *TimerQueue) Push(t *Task) error {
	if t == nil || t.ID == "" || t.TriggerAt.IsZero() || t.Run == nil {
		return ErrInvalidTask
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	if _, exists := q.lookup[t.ID]; exists {
		return ErrTaskExists
	}

	q.seq++
	t.seq = q.seq
	heap.Push(&q.items, t)
	q.lookup[t.ID] = t
	return nil
}

// CancelOwner removes every pending task belonging to owner and returns
// how many were removed.
func (q *TimerQueue) CancelOwner(owner string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for _, t := range q.items {
		if t.Owner == owner {
			ids = append(ids, t.ID)
		}
	}
	for _, id := range ids {
		t := q.lookup[id]
		heap.Remove(&q.items, t.index)
		delete(q.lookup, id)
	}
	return len(ids)
}

// Due pops every task whose trigger time is at or before now, earliest first.
func (q *TimerQueue) Due(now time.Time) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Task
	for len(q.items) > 0 && !q.items[0].TriggerAt.After(now) {
		t := heap.Pop(&q.items).(*Task)
		delete(q.lookup, t.ID)
		due = append(due, t)
	}
	return due
}

// NextDue returns the time until the earliest task relative to now, zero if
// it is overdue, and -1 if the queue is empty.
func (q *TimerQueue) NextDue(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return -1
	}
	next := q.items[0].TriggerAt
	if !next.After(now) {
		return 0
	}
	return next.Sub(now)
}

// Len returns the number of pending tasks.
func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
