package worker

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/metrics"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity
	ErrQueueFull = errors.New(errors.ErrorTypeRateLimit, "task queue is full")
	// ErrQueueClosed is returned once Close has been called
	ErrQueueClosed = errors.New(errors.ErrorTypeInternal, "task queue is closed")
)

type queued struct {
	task *Task
	due  time.Time
	seq  uint64
}

// taskHeap orders tasks by due time, then by enqueue order
type taskHeap []*queued

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*queued)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a bounded in-process queue whose tasks become visible after a
// per-task delay
type Queue struct {
	mu       sync.Mutex
	items    taskHeap
	seq      uint64
	capacity int
	closed   bool
	changed  chan struct{}
	clock    clock.Clock
}

// NewQueue creates a queue holding at most capacity tasks; zero means unbounded
func NewQueue(capacity int, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Queue{
		capacity: capacity,
		changed:  make(chan struct{}),
		clock:    clk,
	}
}

// Enqueue adds task, visible to Dequeue after delay
func (q *Queue) Enqueue(task *Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	now := q.clock.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	q.seq++
	heap.Push(&q.items, &queued{task: task, due: now.Add(delay), seq: q.seq})
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.broadcast()
	return nil
}

// Dequeue blocks until a task is due, ctx is done or the queue is closed
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		var timer <-chan time.Time
		if len(q.items) > 0 {
			next := q.items[0]
			now := q.clock.Now()
			if !next.due.After(now) {
				heap.Pop(&q.items)
				metrics.QueueDepth.Set(float64(len(q.items)))
				q.mu.Unlock()
				return next.task, nil
			}
			timer = q.clock.After(next.due.Sub(now))
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		case <-timer:
		}
	}
}

// Len returns the number of queued tasks, due or not
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// NextDue returns when the earliest queued task becomes visible
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].due, true
}

// Close wakes every blocked Dequeue and rejects further tasks. It returns
// the number of tasks dropped.
func (q *Queue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	dropped := len(q.items)
	q.items = nil
	metrics.QueueDepth.Set(0)
	q.broadcast()
	return dropped
}

// broadcast wakes all waiters; callers hold mu
func (q *Queue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}
